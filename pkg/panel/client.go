// Package panel talks to the 3x-ui management API of a relay node.
package panel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"relay-fleet/pkg/keys"
)

var (
	ErrUnauthorized       = errors.New("panel: unauthorized")
	ErrUnavailable        = errors.New("panel: unavailable")
	ErrNotFound           = errors.New("panel: not found")
	ErrVerificationFailed = errors.New("panel: verification failed")
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultSessionTTL  = 50 * time.Minute
	DefaultVerifyDelay = time.Second

	sessionCookie = "3x-ui"
)

// listPaths are tried in order; panel builds differ in where the list lives.
var listPaths = []string{
	"/panel/api/inbounds/list",
	"/panel/inbounds/list",
	"/xui/inbounds/list",
	"/api/inbounds/list",
}

type Config struct {
	BaseURL       string
	Username      string
	Password      string
	Timeout       time.Duration
	SessionTTL    time.Duration
	VerifyDelay   time.Duration
	SkipTLSVerify bool
}

// Client is a session-holding panel client, safe for concurrent use.
type Client struct {
	cfg  Config
	base string
	hc   *http.Client
	log  *log.Logger
	keys *keys.Generator

	mu        sync.Mutex
	cookies   []*http.Cookie
	loggedIn  bool
	sessionAt time.Time
}

func New(cfg Config, logger *log.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.VerifyDelay <= 0 {
		cfg.VerifyDelay = DefaultVerifyDelay
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.SkipTLSVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.BaseURL, "/"),
		hc: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: tr,
			// a redirect means the session expired and the panel bounced us to its login page
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		log:  logger,
		keys: keys.NewGenerator(nil, logger),
	}
}

// Host is the hostname of the panel URL.
func (c *Client) Host() string {
	u, err := url.Parse(c.base)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`

	empty bool
}

func (r apiResponse) err(op string) error {
	if r.Success {
		return nil
	}
	msg := r.Msg
	if msg == "" {
		msg = "unsuccessful response"
	}
	return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, msg)
}

func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"username": c.cfg.Username, "password": c.cfg.Password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("login: %w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("login: %w: http %d", ErrUnavailable, resp.StatusCode)
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		// older panels answer the form login with HTML and a cookie
		if resp.StatusCode == http.StatusOK && len(resp.Cookies()) > 0 {
			c.setSession(resp.Cookies())
			c.log.Infof("panel %s: legacy cookie login", c.base)
			return nil
		}
		return fmt.Errorf("login: %w: http %d, non-JSON response", ErrUnauthorized, resp.StatusCode)
	}
	if !ar.Success {
		c.loggedIn = false
		return fmt.Errorf("login: %w: %s", ErrUnauthorized, ar.Msg)
	}
	if !hasCookie(resp.Cookies(), sessionCookie) {
		c.log.Warnf("panel %s: no %s cookie in login response, continuing", c.base, sessionCookie)
	}
	c.setSession(resp.Cookies())
	return nil
}

func (c *Client) setSession(cookies []*http.Cookie) {
	c.cookies = cookies
	c.loggedIn = true
	c.sessionAt = time.Now()
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.loggedIn = false
	c.cookies = nil
	c.mu.Unlock()
}

func (c *Client) ensureSession(ctx context.Context) ([]*http.Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn || time.Since(c.sessionAt) > c.cfg.SessionTTL {
		if err := c.loginLocked(ctx); err != nil {
			return nil, err
		}
	}
	return c.cookies, nil
}

func hasCookie(cookies []*http.Cookie, name string) bool {
	for _, ck := range cookies {
		if ck.Name == name {
			return true
		}
	}
	return false
}

func expired(resp *http.Response) bool {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return true
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return true
	}
	return false
}

// call performs an authenticated request, re-logging in once when the session
// turned out to be stale. An empty 200 body yields apiResponse{empty: true}.
func (c *Client) call(ctx context.Context, method, path string, payload interface{}) (apiResponse, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return apiResponse{}, err
		}
	}
	for attempt := 0; attempt < 2; attempt++ {
		cookies, err := c.ensureSession(ctx)
		if err != nil {
			return apiResponse{}, err
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
		if err != nil {
			return apiResponse{}, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for _, ck := range cookies {
			req.AddCookie(ck)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return apiResponse{}, fmt.Errorf("%s %s: %w: %v", method, path, ErrUnavailable, err)
		}
		raw, rerr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if expired(resp) {
			c.invalidate()
			if attempt == 0 {
				continue
			}
			return apiResponse{}, fmt.Errorf("%s %s: %w: http %d", method, path, ErrUnauthorized, resp.StatusCode)
		}
		if rerr != nil {
			return apiResponse{}, fmt.Errorf("%s %s: %w: %v", method, path, ErrUnavailable, rerr)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return apiResponse{}, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
		case resp.StatusCode != http.StatusOK:
			return apiResponse{}, fmt.Errorf("%s %s: %w: http %d", method, path, ErrUnavailable, resp.StatusCode)
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			return apiResponse{empty: true}, nil
		}
		var ar apiResponse
		if err := json.Unmarshal(raw, &ar); err != nil {
			return apiResponse{}, fmt.Errorf("%s %s: %w: non-JSON response", method, path, ErrUnavailable)
		}
		return ar, nil
	}
	return apiResponse{}, fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
}

// ListInbounds tries every known list path and returns the first good answer.
func (c *Client) ListInbounds(ctx context.Context) ([]Inbound, error) {
	var lastErr error
	for _, p := range listPaths {
		ar, err := c.call(ctx, http.MethodGet, p, nil)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}
		if ar.empty || !ar.Success {
			lastErr = fmt.Errorf("list inbounds %s: %w: unsuccessful response", p, ErrUnavailable)
			continue
		}
		var items []Inbound
		if err := json.Unmarshal(ar.Obj, &items); err != nil {
			lastErr = fmt.Errorf("list inbounds %s: %w: %v", p, ErrUnavailable, err)
			continue
		}
		return items, nil
	}
	return nil, lastErr
}

func (c *Client) GetInbound(ctx context.Context, id int) (Inbound, error) {
	ar, err := c.call(ctx, http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", id), nil)
	if err != nil {
		return Inbound{}, err
	}
	if ar.empty || !ar.Success {
		if strings.Contains(strings.ToLower(ar.Msg), "not found") || ar.empty {
			return Inbound{}, fmt.Errorf("get inbound %d: %w", id, ErrNotFound)
		}
		return Inbound{}, ar.err("get inbound")
	}
	var in Inbound
	if err := json.Unmarshal(ar.Obj, &in); err != nil {
		return Inbound{}, fmt.Errorf("get inbound %d: %w: %v", id, ErrUnavailable, err)
	}
	return in, nil
}

// findInbound reads the inbound through the list endpoint, which every panel build serves.
func (c *Client) findInbound(ctx context.Context, id int) (Inbound, error) {
	items, err := c.ListInbounds(ctx)
	if err != nil {
		return Inbound{}, err
	}
	for _, in := range items {
		if in.ID == id {
			return in, nil
		}
	}
	return Inbound{}, fmt.Errorf("inbound %d: %w", id, ErrNotFound)
}

// AddInbound creates an inbound and returns the id the panel assigned.
func (c *Client) AddInbound(ctx context.Context, cfg InboundConfig) (int, error) {
	payload, err := cfg.payload()
	if err != nil {
		return 0, err
	}
	ar, err := c.call(ctx, http.MethodPost, "/panel/api/inbounds/add", payload)
	if err != nil {
		return 0, err
	}
	if err := ar.err("add inbound"); err != nil {
		return 0, err
	}
	var created Inbound
	if len(ar.Obj) > 0 && json.Unmarshal(ar.Obj, &created) == nil && created.ID > 0 {
		return created.ID, nil
	}
	items, err := c.ListInbounds(ctx)
	if err != nil {
		return 0, fmt.Errorf("add inbound: created but re-read failed: %w", err)
	}
	for _, in := range items {
		if in.Port == cfg.Port && in.Protocol == cfg.Protocol {
			return in.ID, nil
		}
	}
	return 0, fmt.Errorf("add inbound on port %d: %w", cfg.Port, ErrVerificationFailed)
}

// UpdateKeyPair rewrites the Reality keys of an inbound, keeping every other field.
func (c *Client) UpdateKeyPair(ctx context.Context, inboundID int, priv, pub string) error {
	in, err := c.findInbound(ctx, inboundID)
	if err != nil {
		return err
	}
	stream := map[string]interface{}{}
	if in.StreamSettings != "" {
		if err := json.Unmarshal([]byte(in.StreamSettings), &stream); err != nil {
			return fmt.Errorf("update keys: decode streamSettings: %w", err)
		}
	}
	rs, _ := stream["realitySettings"].(map[string]interface{})
	if rs == nil {
		rs = map[string]interface{}{}
	}
	rs["privateKey"] = priv
	inner, _ := rs["settings"].(map[string]interface{})
	if inner == nil {
		inner = map[string]interface{}{}
	}
	inner["publicKey"] = pub
	rs["settings"] = inner
	stream["realitySettings"] = rs
	encoded, err := json.Marshal(stream)
	if err != nil {
		return err
	}
	in.StreamSettings = string(encoded)
	ar, err := c.call(ctx, http.MethodPost, fmt.Sprintf("/panel/api/inbounds/update/%d", inboundID), in)
	if err != nil {
		return err
	}
	if ar.empty {
		return nil
	}
	return ar.err("update keys")
}

// ServerStatus returns the panel's host metrics document.
func (c *Client) ServerStatus(ctx context.Context) (map[string]interface{}, error) {
	ar, err := c.call(ctx, http.MethodPost, "/panel/api/server/status", nil)
	if err != nil {
		return nil, err
	}
	if err := ar.err("server status"); err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if len(ar.Obj) > 0 {
		if err := json.Unmarshal(ar.Obj, &out); err != nil {
			return nil, fmt.Errorf("server status: %w: %v", ErrUnavailable, err)
		}
	}
	return out, nil
}

// GenerateKeyPair produces a validated Reality pair, regenerating once on bad output.
func (c *Client) GenerateKeyPair(ctx context.Context) (keys.KeyPair, error) {
	var lastErr error
	for i := 0; i < 2; i++ {
		kp, err := c.keys.Generate(ctx)
		if err == nil {
			if err = keys.Validate(kp.PrivateKey, kp.PublicKey); err == nil {
				return kp, nil
			}
		}
		lastErr = err
		c.log.Warnf("panel %s: key generation attempt %d failed: %v", c.base, i+1, err)
	}
	return keys.KeyPair{}, lastErr
}
