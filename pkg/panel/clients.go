package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultFlow    = "xtls-rprx-vision"
	DefaultLimitIP = 2
)

// ClientSpec describes a client to create. Zero values take the panel defaults:
// a fresh uuid, flow xtls-rprx-vision, two concurrent IPs, no quota, no expiry.
type ClientSpec struct {
	ID         string
	Email      string
	Flow       string
	LimitIP    int
	TotalGB    int64
	ExpiryTime int64
	TgID       string
	SubID      string
}

// CreateClient adds a client to the inbound and re-reads the panel to confirm
// it exists. The returned client carries the id the panel actually stored.
func (c *Client) CreateClient(ctx context.Context, inboundID int, spec ClientSpec) (InboundClient, error) {
	items, err := c.ListInbounds(ctx)
	if err != nil {
		return InboundClient{}, fmt.Errorf("create client: %w", err)
	}
	taken := map[string]bool{}
	for _, in := range items {
		for _, cl := range in.Clients() {
			taken[cl.Email] = true
		}
	}

	cl := InboundClient{
		ID:         spec.ID,
		Email:      spec.Email,
		Flow:       spec.Flow,
		LimitIP:    spec.LimitIP,
		TotalGB:    spec.TotalGB,
		ExpiryTime: spec.ExpiryTime,
		Enable:     true,
		TgID:       flexString(spec.TgID),
		SubID:      spec.SubID,
	}
	if cl.ID == "" {
		cl.ID = uuid.NewString()
	}
	if cl.Email == "" {
		cl.Email = fmt.Sprintf("%s_%d", spec.TgID, time.Now().Unix())
	}
	cl.Email = uniqueEmail(cl.Email, taken)
	if cl.Flow == "" {
		cl.Flow = DefaultFlow
	}
	if cl.LimitIP == 0 {
		cl.LimitIP = DefaultLimitIP
	}

	settings, err := json.Marshal(Settings{Clients: []InboundClient{cl}})
	if err != nil {
		return InboundClient{}, err
	}
	ar, err := c.call(ctx, http.MethodPost, "/panel/api/inbounds/addClient", map[string]interface{}{
		"id":       inboundID,
		"settings": string(settings),
	})
	if err != nil {
		return InboundClient{}, fmt.Errorf("create client: %w", err)
	}
	if err := ar.err("create client"); err != nil {
		return InboundClient{}, err
	}

	in, err := c.findInbound(ctx, inboundID)
	if err != nil {
		return InboundClient{}, fmt.Errorf("create client: verify: %w", err)
	}
	for _, got := range in.Clients() {
		if got.ID == cl.ID || got.Email == cl.Email {
			if got.ID != cl.ID {
				c.log.Warnf("panel %s stored client %s under id %s", c.base, cl.Email, got.ID)
			}
			c.log.Infof("panel %s: client %s created on inbound %d", c.base, got.Email, inboundID)
			return got, nil
		}
	}
	return InboundClient{}, fmt.Errorf("create client %s: %w: not present after add", cl.Email, ErrVerificationFailed)
}

func uniqueEmail(base string, taken map[string]bool) string {
	email := base
	for n := 1; taken[email]; n++ {
		email = fmt.Sprintf("%s_%d", base, n)
	}
	return email
}

// ClientExists reports whether the client is in the inbound. A missing inbound
// means the client is absent; an error means the answer is unknown.
func (c *Client) ClientExists(ctx context.Context, inboundID int, clientID string) (bool, error) {
	items, err := c.ListInbounds(ctx)
	if err != nil {
		return false, err
	}
	for _, in := range items {
		if in.ID != inboundID {
			continue
		}
		s, err := in.DecodeSettings()
		if err != nil {
			return false, fmt.Errorf("inbound %d settings: %w", inboundID, err)
		}
		for _, cl := range s.Clients {
			if cl.ID == clientID {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

// DeleteClient removes the client and confirms it is gone. Deleting an absent
// client succeeds.
func (c *Client) DeleteClient(ctx context.Context, inboundID int, clientID string) error {
	exists, err := c.ClientExists(ctx, inboundID, clientID)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if !exists {
		c.log.Infof("panel %s: client %s already absent", c.base, clientID)
		return nil
	}

	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", inboundID, clientID)
	ar, err := c.call(ctx, http.MethodPost, path, nil)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if !ar.empty && !ar.Success {
		if strings.Contains(strings.ToLower(ar.Msg), "not found") {
			return nil
		}
		return ar.err("delete client")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.VerifyDelay):
	}
	still, err := c.ClientExists(ctx, inboundID, clientID)
	if err != nil {
		return fmt.Errorf("delete client: verify: %w", err)
	}
	if still {
		return fmt.Errorf("delete client %s: %w: still present", clientID, ErrVerificationFailed)
	}
	return nil
}

func (c *Client) ResetClientTraffic(ctx context.Context, inboundID int, clientID string) error {
	ar, err := c.call(ctx, http.MethodPost, "/panel/api/inbounds/resetClientTraffic", map[string]interface{}{
		"inboundId": inboundID,
		"uuid":      clientID,
	})
	if err != nil {
		return err
	}
	if ar.empty {
		return nil
	}
	return ar.err("reset traffic")
}
