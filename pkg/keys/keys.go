// Package keys produces and checks the X25519 key pairs used by Reality inbounds.
package keys

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"relay-fleet/pkg/remote"
)

var (
	ErrInvalidKey       = errors.New("invalid x25519 key")
	ErrGenerationFailed = errors.New("key generation failed")
)

const (
	MethodLocal  = "local"
	MethodRemote = "remote"

	keyLen     = 32
	encodedLen = 43

	remoteKeyCmd     = "xray x25519 2>/dev/null || /usr/local/x-ui/bin/xray-linux-* x25519"
	remoteKeyTimeout = 30 * time.Second
)

// KeyPair is a Reality key pair. PrivateKey must never be logged or persisted.
type KeyPair struct {
	PrivateKey string `json:"-"`
	PublicKey  string `json:"publicKey"`
	ShortID    string `json:"shortId"`
	Method     string `json:"method"`
}

// Fingerprint is a log-safe prefix of the public key.
func (k KeyPair) Fingerprint() string {
	if len(k.PublicKey) > 20 {
		return k.PublicKey[:20] + "..."
	}
	return k.PublicKey
}

// RemoteRunner executes a command on a host that has xray installed.
type RemoteRunner interface {
	Run(ctx context.Context, cmd string) (remote.Result, error)
}

// Generator creates key pairs locally and falls back to the remote xray binary.
type Generator struct {
	Remote RemoteRunner
	log    *log.Logger

	// local is swapped in tests
	local func() (wgtypes.Key, error)
}

func NewGenerator(remote RemoteRunner, logger *log.Logger) *Generator {
	return &Generator{Remote: remote, log: logger, local: wgtypes.GeneratePrivateKey}
}

// WithRemote returns a copy of g that falls back to r.
func (g *Generator) WithRemote(r RemoteRunner) *Generator {
	cp := *g
	cp.Remote = r
	return &cp
}

func (g *Generator) Generate(ctx context.Context) (KeyPair, error) {
	kp, lerr := g.generateLocal()
	if lerr == nil {
		return kp, nil
	}
	g.log.Warnf("local x25519 generation failed: %v", lerr)
	if g.Remote == nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrGenerationFailed, lerr)
	}
	kp, rerr := g.generateRemote(ctx)
	if rerr != nil {
		return KeyPair{}, fmt.Errorf("%w: local: %v; remote: %v", ErrGenerationFailed, lerr, rerr)
	}
	return kp, nil
}

func (g *Generator) generateLocal() (KeyPair, error) {
	priv, err := g.local()
	if err != nil {
		return KeyPair{}, err
	}
	pub := priv.PublicKey()
	kp := KeyPair{
		PrivateKey: encode(priv[:]),
		PublicKey:  encode(pub[:]),
		ShortID:    NewShortID(),
		Method:     MethodLocal,
	}
	if err := Validate(kp.PrivateKey, kp.PublicKey); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}

func (g *Generator) generateRemote(ctx context.Context) (KeyPair, error) {
	ctx, cancel := context.WithTimeout(ctx, remoteKeyTimeout)
	defer cancel()
	res, err := g.Remote.Run(ctx, remoteKeyCmd)
	if err != nil {
		return KeyPair{}, err
	}
	if res.ExitCode != 0 {
		return KeyPair{}, fmt.Errorf("xray x25519 exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	priv, pub, err := ParseXrayOutput(res.Stdout)
	if err != nil {
		return KeyPair{}, err
	}
	kp := KeyPair{PrivateKey: priv, PublicKey: pub, ShortID: NewShortID(), Method: MethodRemote}
	if err := Validate(kp.PrivateKey, kp.PublicKey); err != nil {
		return KeyPair{}, err
	}
	g.log.Infof("x25519 pair generated remotely, pub=%s", kp.Fingerprint())
	return kp, nil
}

// ParseXrayOutput extracts the pair printed by `xray x25519`. Both the classic
// "Private key:/Public key:" and the newer "PrivateKey:/Password:" layouts are read.
func ParseXrayOutput(out string) (priv, pub string, err error) {
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.ReplaceAll(k, " ", "")) {
		case "privatekey":
			priv = v
		case "publickey", "password":
			pub = v
		}
	}
	if priv == "" || pub == "" {
		return "", "", fmt.Errorf("%w: unexpected xray output", ErrInvalidKey)
	}
	return Normalize(priv), Normalize(pub), nil
}

// Validate checks both halves are 43-char raw URL-safe base64 of 32 bytes
// and that pub is derived from priv.
func Validate(priv, pub string) error {
	p, err := decode(priv)
	if err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	q, err := decode(pub)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	var sk wgtypes.Key
	copy(sk[:], p)
	derived := sk.PublicKey()
	if !bytes.Equal(derived[:], q) {
		return fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
	}
	return nil
}

// ValidatePublic checks only the public half, used for keys read back from panels.
func ValidatePublic(pub string) error {
	_, err := decode(pub)
	return err
}

// Normalize converts padded standard or URL-safe base64 of a 32-byte key into
// the raw URL-safe form. Other input is returned trimmed.
func Normalize(k string) string {
	k = strings.TrimSpace(k)
	if len(k) != encodedLen+1 {
		return k
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		if b, err := enc.DecodeString(k); err == nil && len(b) == keyLen {
			return encode(b)
		}
	}
	return k
}

// NewShortID returns 8 random hex characters.
func NewShortID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}

func encode(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func decode(k string) ([]byte, error) {
	if len(k) != encodedLen {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidKey, len(k), encodedLen)
	}
	b, err := base64.RawURLEncoding.DecodeString(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != keyLen {
		return nil, fmt.Errorf("%w: decoded %d bytes", ErrInvalidKey, len(b))
	}
	return b, nil
}
