// Package paneltest provides an in-memory panel for tests of packages that
// depend on panel.API.
package paneltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"relay-fleet/pkg/keys"
	"relay-fleet/pkg/logger"
	"relay-fleet/pkg/model"
	"relay-fleet/pkg/panel"
)

// Fake is one node's panel. Toggle LoginErr/ListErr to simulate outages.
type Fake struct {
	mu sync.Mutex

	Inbounds []panel.Inbound
	LoginErr error
	ListErr  error
	AddErr   error

	Logins int
	Added  []panel.InboundConfig
	nextID int
}

func New() *Fake { return &Fake{nextID: 1} }

func (f *Fake) SetLoginErr(err error) {
	f.mu.Lock()
	f.LoginErr = err
	f.mu.Unlock()
}

func (f *Fake) LoginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Logins
}

// AddEnabledInbound seeds an enabled VLESS/Reality inbound.
func (f *Fake) AddEnabledInbound(port int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream, _ := json.Marshal(panel.StreamSettings{Network: "tcp", Security: "reality", RealitySettings: &panel.RealitySettings{
		ServerNames: []string{"apple.com"}, ShortIDs: []string{"0a0b0c0d", ""},
	}})
	id := f.nextID
	f.nextID++
	f.Inbounds = append(f.Inbounds, panel.Inbound{ID: id, Enable: true, Port: port, Protocol: "vless", Settings: `{"clients":[]}`, StreamSettings: string(stream)})
	return id
}

func (f *Fake) Login(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Logins++
	return f.LoginErr
}

func (f *Fake) ListInbounds(context.Context) ([]panel.Inbound, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LoginErr != nil {
		return nil, f.LoginErr
	}
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]panel.Inbound(nil), f.Inbounds...), nil
}

func (f *Fake) AddInbound(_ context.Context, cfg panel.InboundConfig) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AddErr != nil {
		return 0, f.AddErr
	}
	settings, _ := json.Marshal(cfg.Settings)
	stream, _ := json.Marshal(cfg.StreamSettings)
	id := f.nextID
	f.nextID++
	f.Inbounds = append(f.Inbounds, panel.Inbound{
		ID: id, Remark: cfg.Remark, Enable: cfg.Enable, Port: cfg.Port, Protocol: cfg.Protocol,
		Tag: cfg.Tag, Settings: string(settings), StreamSettings: string(stream),
	})
	f.Added = append(f.Added, cfg)
	return id, nil
}

func (f *Fake) UpdateKeyPair(_ context.Context, inboundID int, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, in := range f.Inbounds {
		if in.ID == inboundID {
			return nil
		}
	}
	return panel.ErrNotFound
}

func (f *Fake) inbound(id int) (*panel.Inbound, error) {
	for i := range f.Inbounds {
		if f.Inbounds[i].ID == id {
			return &f.Inbounds[i], nil
		}
	}
	return nil, fmt.Errorf("inbound %d: %w", id, panel.ErrNotFound)
}

func (f *Fake) CreateClient(_ context.Context, inboundID int, spec panel.ClientSpec) (panel.InboundClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, err := f.inbound(inboundID)
	if err != nil {
		return panel.InboundClient{}, err
	}
	s, _ := in.DecodeSettings()
	cl := panel.InboundClient{ID: spec.ID, Email: spec.Email, Flow: panel.DefaultFlow, LimitIP: panel.DefaultLimitIP, Enable: true}
	if cl.ID == "" {
		cl.ID = uuid.NewString()
	}
	s.Clients = append(s.Clients, cl)
	b, _ := json.Marshal(s)
	in.Settings = string(b)
	return cl, nil
}

func (f *Fake) DeleteClient(_ context.Context, inboundID int, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, err := f.inbound(inboundID)
	if err != nil {
		return nil
	}
	s, _ := in.DecodeSettings()
	kept := s.Clients[:0]
	for _, cl := range s.Clients {
		if cl.ID != clientID {
			kept = append(kept, cl)
		}
	}
	s.Clients = kept
	b, _ := json.Marshal(s)
	in.Settings = string(b)
	return nil
}

func (f *Fake) ClientExists(_ context.Context, inboundID int, clientID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, err := f.inbound(inboundID)
	if err != nil {
		return false, nil
	}
	for _, cl := range in.Clients() {
		if cl.ID == clientID {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) ConnectionURI(_ context.Context, inboundID int, clientID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, err := f.inbound(inboundID)
	if err != nil {
		return "", err
	}
	return panel.BuildURI(panel.URIParams{ClientID: clientID, Host: "relay.test", Port: in.Port, SNI: panel.DefaultSNI, Flow: panel.DefaultFlow}), nil
}

func (f *Fake) ServerStatus(context.Context) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LoginErr != nil {
		return nil, f.LoginErr
	}
	return map[string]interface{}{"cpu": 1.0}, nil
}

func (f *Fake) GenerateKeyPair(ctx context.Context) (keys.KeyPair, error) {
	return keys.NewGenerator(nil, logger.Discard()).Generate(ctx)
}

// Connector maps panel URLs to fakes; unknown URLs get a fresh healthy fake.
type Connector struct {
	mu    sync.Mutex
	fakes map[string]*Fake
}

func NewConnector() *Connector { return &Connector{fakes: map[string]*Fake{}} }

// Panel returns (creating if needed) the fake behind url.
func (c *Connector) Panel(url string) *Fake {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.fakes[url]
	if !ok {
		f = New()
		f.AddEnabledInbound(443)
		c.fakes[url] = f
	}
	return f
}

func (c *Connector) For(n model.Node) panel.API { return c.Panel(n.PanelURL) }
