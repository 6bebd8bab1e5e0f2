package panel

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"relay-fleet/pkg/keys"
	"relay-fleet/pkg/model"
)

// API is the subset of Client the rest of the controller depends on.
type API interface {
	Login(ctx context.Context) error
	ListInbounds(ctx context.Context) ([]Inbound, error)
	AddInbound(ctx context.Context, cfg InboundConfig) (int, error)
	UpdateKeyPair(ctx context.Context, inboundID int, priv, pub string) error
	CreateClient(ctx context.Context, inboundID int, spec ClientSpec) (InboundClient, error)
	DeleteClient(ctx context.Context, inboundID int, clientID string) error
	ClientExists(ctx context.Context, inboundID int, clientID string) (bool, error)
	ConnectionURI(ctx context.Context, inboundID int, clientID string) (string, error)
	ServerStatus(ctx context.Context) (map[string]interface{}, error)
	GenerateKeyPair(ctx context.Context) (keys.KeyPair, error)
}

// Connector hands out panel clients for nodes.
type Connector interface {
	For(n model.Node) API
}

// Pool caches one Client per node so sessions are reused between calls.
// A node whose URL or credentials changed gets a fresh client.
type Pool struct {
	cfg Config
	log *log.Logger

	mu      sync.Mutex
	clients map[string]pooled
}

type pooled struct {
	url, user, pass string
	c               *Client
}

// NewPool uses base for timeouts and TLS; URL and credentials come from each node.
func NewPool(base Config, logger *log.Logger) *Pool {
	return &Pool{cfg: base, log: logger, clients: map[string]pooled{}}
}

func (p *Pool) For(n model.Node) API {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.clients[n.ID]; ok && e.url == n.PanelURL && e.user == n.PanelUsername && e.pass == n.PanelPassword {
		return e.c
	}
	cfg := p.cfg
	cfg.BaseURL, cfg.Username, cfg.Password = n.PanelURL, n.PanelUsername, n.PanelPassword
	c := New(cfg, p.log)
	if n.ID != "" {
		p.clients[n.ID] = pooled{url: n.PanelURL, user: n.PanelUsername, pass: n.PanelPassword, c: c}
	}
	return c
}

// Forget drops the cached client of a removed node.
func (p *Pool) Forget(nodeID string) {
	p.mu.Lock()
	delete(p.clients, nodeID)
	p.mu.Unlock()
}
