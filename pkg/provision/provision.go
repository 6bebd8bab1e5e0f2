// Package provision creates the VLESS/Reality inbound a node serves users on
// and issues panel clients against it.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"relay-fleet/pkg/keys"
	"relay-fleet/pkg/model"
	"relay-fleet/pkg/panel"
)

const DefaultPort = 443

// RealityWriter records the public half of a node's active key pair.
type RealityWriter interface {
	ApplyReality(nodeID, publicKey, shortID, sni string) error
}

type Request struct {
	Port   int
	SNI    string
	Remark string
	// Keys are used verbatim when set; otherwise a new pair is generated.
	Keys *keys.KeyPair
}

// Access is what a user needs to connect.
type Access struct {
	NodeID    string `json:"nodeId"`
	InboundID int    `json:"inboundId"`
	ClientID  string `json:"clientId"`
	Email     string `json:"email"`
	URI       string `json:"uri"`
}

type Provisioner struct {
	panels panel.Connector
	nodes  RealityWriter
	log    *log.Logger
}

func New(panels panel.Connector, nodes RealityWriter, logger *log.Logger) *Provisioner {
	return &Provisioner{panels: panels, nodes: nodes, log: logger}
}

// EnsureExists creates the Reality inbound on port unless an enabled one exists.
// It reports whether it created one.
func (p *Provisioner) EnsureExists(ctx context.Context, node model.Node, port int, sni string) (bool, error) {
	_, created, err := p.ensure(ctx, node, port, sni)
	return created, err
}

func (p *Provisioner) ensure(ctx context.Context, node model.Node, port int, sni string) (int, bool, error) {
	if port == 0 {
		port = DefaultPort
	}
	api := p.panels.For(node)
	if err := api.Login(ctx); err != nil {
		return 0, false, fmt.Errorf("node %s: %w", node.Name, err)
	}
	items, err := api.ListInbounds(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("node %s: %w", node.Name, err)
	}
	for _, in := range items {
		if in.IsReality(port) {
			return in.ID, false, nil
		}
	}
	id, err := p.Create(ctx, node, Request{Port: port, SNI: sni})
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Create submits a new Reality inbound and, once the panel accepted it, writes
// the public key back to the node record.
func (p *Provisioner) Create(ctx context.Context, node model.Node, req Request) (int, error) {
	if req.Port == 0 {
		req.Port = DefaultPort
	}
	if req.SNI == "" {
		req.SNI = node.SNIMask
	}
	if req.SNI == "" {
		req.SNI = model.DefaultSNIMask
	}
	api := p.panels.For(node)
	kp, err := p.keyPair(ctx, api, req.Keys)
	if err != nil {
		return 0, fmt.Errorf("node %s: %w", node.Name, err)
	}
	cfg := RealityInbound(node.Name, req.Remark, req.Port, req.SNI, kp)
	id, err := api.AddInbound(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("node %s: add inbound: %w", node.Name, err)
	}
	p.log.Infof("node %s: reality inbound %d on port %d, pub=%s (%s)", node.Name, id, req.Port, kp.Fingerprint(), kp.Method)
	if p.nodes != nil && node.ID != "" {
		if err := p.nodes.ApplyReality(node.ID, kp.PublicKey, kp.ShortID, req.SNI); err != nil {
			return id, fmt.Errorf("node %s: record public key: %w", node.Name, err)
		}
	}
	return id, nil
}

func (p *Provisioner) keyPair(ctx context.Context, api panel.API, given *keys.KeyPair) (keys.KeyPair, error) {
	if given != nil {
		kp := *given
		kp.PrivateKey = keys.Normalize(kp.PrivateKey)
		kp.PublicKey = keys.Normalize(kp.PublicKey)
		err := keys.Validate(kp.PrivateKey, kp.PublicKey)
		if err == nil {
			if kp.ShortID == "" {
				kp.ShortID = keys.NewShortID()
			}
			return kp, nil
		}
		p.log.Warnf("supplied key pair rejected, regenerating: %v", err)
	}
	// GenerateKeyPair already validates and retries once
	return api.GenerateKeyPair(ctx)
}

// RealityInbound renders the inbound document for a VLESS/Reality entry.
func RealityInbound(nodeName, remark string, port int, sni string, kp keys.KeyPair) panel.InboundConfig {
	if remark == "" {
		remark = "Reality-" + nodeName
	}
	return panel.InboundConfig{
		Remark:   remark,
		Enable:   true,
		Port:     port,
		Protocol: "vless",
		Tag:      "inbound-" + strconv.Itoa(port),
		Settings: map[string]interface{}{
			"clients":    []interface{}{},
			"decryption": "none",
			"fallbacks":  []interface{}{},
		},
		StreamSettings: map[string]interface{}{
			"network":  "tcp",
			"security": "reality",
			"realitySettings": map[string]interface{}{
				"show":        false,
				"xver":        0,
				"dest":        sni + ":443",
				"serverNames": []string{sni},
				"privateKey":  kp.PrivateKey,
				"publicKey":   kp.PublicKey,
				"maxTimeDiff": 0,
				"shortIds":    []string{kp.ShortID, ""},
				"settings": map[string]interface{}{
					"publicKey":   kp.PublicKey,
					"fingerprint": "chrome",
					"serverName":  "",
					"spiderX":     "/",
				},
			},
			"tcpSettings": map[string]interface{}{
				"acceptProxyProtocol": false,
				"header":              map[string]interface{}{"type": "none"},
			},
		},
		Sniffing: map[string]interface{}{
			"enabled":      false,
			"destOverride": []string{},
		},
	}
}

// IssueClient makes sure the node serves Reality on 443, creates a panel
// client for the user and returns its connection link.
func (p *Provisioner) IssueClient(ctx context.Context, node model.Node, userID int64, email string) (Access, error) {
	inboundID, _, err := p.ensure(ctx, node, DefaultPort, node.SNIMask)
	if err != nil {
		return Access{}, err
	}
	uid := strconv.FormatInt(userID, 10)
	if email == "" {
		email = fmt.Sprintf("%s_%d", uid, time.Now().Unix())
	}
	api := p.panels.For(node)
	cl, err := api.CreateClient(ctx, inboundID, panel.ClientSpec{Email: email, TgID: uid})
	if err != nil {
		return Access{}, fmt.Errorf("node %s: %w", node.Name, err)
	}
	uri, err := api.ConnectionURI(ctx, inboundID, cl.ID)
	if err != nil {
		return Access{}, fmt.Errorf("node %s: %w", node.Name, err)
	}
	return Access{NodeID: node.ID, InboundID: inboundID, ClientID: cl.ID, Email: cl.Email, URI: uri}, nil
}

// RevokeClient deletes a client with verification; an absent client is not an error.
func (p *Provisioner) RevokeClient(ctx context.Context, node model.Node, inboundID int, clientID string) error {
	err := p.panels.For(node).DeleteClient(ctx, inboundID, clientID)
	if errors.Is(err, panel.ErrVerificationFailed) {
		p.log.Warnf("node %s: client %s still present after delete", node.Name, clientID)
	}
	return err
}
