package provision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-fleet/pkg/keys"
	"relay-fleet/pkg/logger"
	"relay-fleet/pkg/model"
	"relay-fleet/pkg/panel"
	"relay-fleet/pkg/panel/paneltest"
)

type recordedReality struct {
	nodeID, pub, sid, sni string
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []recordedReality
}

func (w *fakeWriter) ApplyReality(nodeID, pub, sid, sni string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, recordedReality{nodeID, pub, sid, sni})
	return nil
}

func setup(t *testing.T) (*Provisioner, *paneltest.Fake, *fakeWriter, model.Node) {
	conn := paneltest.NewConnector()
	node := model.Node{ID: "n1", Name: "de-1", PanelURL: "http://de-1:2053", SNIMask: "www.microsoft.com"}
	fake := conn.Panel(node.PanelURL)
	fake.Inbounds = nil
	w := &fakeWriter{}
	return New(conn, w, logger.Discard()), fake, w, node
}

func TestEnsureExistsCreatesOnce(t *testing.T) {
	p, fake, w, node := setup(t)

	created, err := p.EnsureExists(context.Background(), node, 443, node.SNIMask)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = p.EnsureExists(context.Background(), node, 443, node.SNIMask)
	require.NoError(t, err)
	assert.False(t, created)

	require.Len(t, fake.Added, 1)
	require.Len(t, w.calls, 1)
	assert.Equal(t, "n1", w.calls[0].nodeID)
	assert.Equal(t, "www.microsoft.com", w.calls[0].sni)
	assert.NoError(t, keys.ValidatePublic(w.calls[0].pub))
}

func TestEnsureExistsIgnoresDisabledOrOtherPorts(t *testing.T) {
	p, fake, _, node := setup(t)
	fake.AddEnabledInbound(8443)
	fake.AddEnabledInbound(443)
	fake.Inbounds[1].Enable = false

	created, err := p.EnsureExists(context.Background(), node, 443, "")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCreateUsesSuppliedKeys(t *testing.T) {
	p, fake, w, node := setup(t)
	kp, err := keys.NewGenerator(nil, logger.Discard()).Generate(context.Background())
	require.NoError(t, err)

	id, err := p.Create(context.Background(), node, Request{Port: 443, Remark: "Auto-Reality-de-1", Keys: &kp})
	require.NoError(t, err)
	assert.Greater(t, id, 0)

	cfg := fake.Added[0]
	assert.Equal(t, "Auto-Reality-de-1", cfg.Remark)
	assert.Equal(t, "inbound-443", cfg.Tag)
	stream := cfg.StreamSettings.(map[string]interface{})
	rs := stream["realitySettings"].(map[string]interface{})
	assert.Equal(t, kp.PrivateKey, rs["privateKey"])
	assert.Equal(t, []string{kp.ShortID, ""}, rs["shortIds"])
	assert.Equal(t, "www.microsoft.com:443", rs["dest"])
	assert.Equal(t, kp.PublicKey, w.calls[0].pub)
}

func TestCreateReplacesInvalidKeys(t *testing.T) {
	p, _, w, node := setup(t)
	bad := keys.KeyPair{PrivateKey: "short", PublicKey: "short"}

	_, err := p.Create(context.Background(), node, Request{Keys: &bad})
	require.NoError(t, err)
	require.Len(t, w.calls, 1)
	assert.NotEqual(t, "short", w.calls[0].pub)
}

func TestCreateFailureDoesNotWriteBack(t *testing.T) {
	p, fake, w, node := setup(t)
	fake.AddErr = errors.New("port in use")

	_, err := p.Create(context.Background(), node, Request{Port: 443})
	assert.Error(t, err)
	assert.Empty(t, w.calls)
}

func TestRealityInboundDefaults(t *testing.T) {
	cfg := RealityInbound("nl-2", "", 443, "apple.com", keys.KeyPair{PrivateKey: "p", PublicKey: "q", ShortID: "s"})
	assert.Equal(t, "Reality-nl-2", cfg.Remark)
	assert.Equal(t, "vless", cfg.Protocol)
	settings := cfg.Settings.(map[string]interface{})
	assert.Equal(t, "none", settings["decryption"])
	sniff := cfg.Sniffing.(map[string]interface{})
	assert.Equal(t, false, sniff["enabled"])
}

func TestIssueAndRevokeClient(t *testing.T) {
	p, fake, _, node := setup(t)

	acc, err := p.IssueClient(context.Background(), node, 4242, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(acc.URI, "vless://"+acc.ClientID+"@"))
	assert.True(t, strings.HasPrefix(acc.Email, "4242_"))

	exists, err := fake.ClientExists(context.Background(), acc.InboundID, acc.ClientID)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, p.RevokeClient(context.Background(), node, acc.InboundID, acc.ClientID))
	require.NoError(t, p.RevokeClient(context.Background(), node, acc.InboundID, acc.ClientID))
	exists, _ = fake.ClientExists(context.Background(), acc.InboundID, acc.ClientID)
	assert.False(t, exists)
}

func TestIssueClientLoginFailure(t *testing.T) {
	p, fake, _, node := setup(t)
	fake.SetLoginErr(panel.ErrUnauthorized)
	_, err := p.IssueClient(context.Background(), node, 1, "x")
	assert.ErrorIs(t, err, panel.ErrUnauthorized)
}
