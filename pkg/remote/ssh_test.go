package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"", "''"},
		{"it's", `'it'"'"'s'`},
		{"$(rm -rf /)", "'$(rm -rf /)'"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Quote(tc.in))
	}
}

func TestQuoteRoundTripsThroughShell(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh available")
	}
	for _, in := range []string{"a b", "it's", `"double"`, "$HOME", "back\\slash"} {
		out, err := exec.Command(sh, "-c", "printf %s "+Quote(in)).Output()
		assert.NoError(t, err)
		assert.Equal(t, in, string(out))
	}
}

func TestTargetAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.1:22", Target{Host: "10.0.0.1"}.Addr())
	assert.Equal(t, "[2001:db8::1]:2222", Target{Host: "2001:db8::1", Port: 2222}.Addr())
}

func TestTailBufferKeepsTail(t *testing.T) {
	var b tailBuffer
	line := strings.Repeat("x", 1000)
	for i := 0; i < 100; i++ {
		b.writeLine(line)
	}
	b.writeLine("last")
	s := b.String()
	assert.LessOrEqual(t, len(s), maxCaptured)
	assert.True(t, strings.HasSuffix(s, "last\n"))
}

// chattyServer accepts any password and answers every exec with an endless
// stream of stdout lines.
func chattyServer(t *testing.T) Target {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := gossh.NewSignerFromKey(priv)
	require.NoError(t, err)
	cfg := &gossh.ServerConfig{
		PasswordCallback: func(gossh.ConnMetadata, []byte) (*gossh.Permissions, error) { return nil, nil },
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveChatty(conn, cfg)
		}
	}()
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return Target{Host: host, Port: p, User: "root", Password: "pw"}
}

func serveChatty(conn net.Conn, cfg *gossh.ServerConfig) {
	_, chans, reqs, err := gossh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go gossh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(gossh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				if req.Type == "exec" {
					_ = req.Reply(true, nil)
					go func() {
						defer ch.Close()
						for i := 0; ; i++ {
							if _, err := fmt.Fprintf(ch, "line %d\n", i); err != nil {
								return
							}
							time.Sleep(2 * time.Millisecond)
						}
					}()
					continue
				}
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}()
	}
}

func TestStreamStopsCallbacksOnTimeout(t *testing.T) {
	target := chattyServer(t)
	sess, err := SSHDialer{Timeout: 5 * time.Second}.Dial(context.Background(), target)
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var lines atomic.Int64
	res, err := sess.Stream(ctx, "install.sh", func(string, string) { lines.Add(1) })
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, -1, res.ExitCode)
	assert.Positive(t, lines.Load())

	seen := lines.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, seen, lines.Load())
}
