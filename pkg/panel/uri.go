package panel

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const DefaultSNI = "apple.com"

// ConnectionURI builds the vless:// link for a client of a Reality inbound.
func (c *Client) ConnectionURI(ctx context.Context, inboundID int, clientID string) (string, error) {
	in, err := c.findInbound(ctx, inboundID)
	if err != nil {
		return "", fmt.Errorf("connection uri: %w", err)
	}
	s, err := in.DecodeSettings()
	if err != nil {
		return "", fmt.Errorf("connection uri: settings: %w", err)
	}
	st, err := in.DecodeStream()
	if err != nil {
		return "", fmt.Errorf("connection uri: streamSettings: %w", err)
	}
	cl, ok := lookupClient(s.Clients, clientID)
	if !ok {
		return "", fmt.Errorf("connection uri: inbound %d has no clients: %w", inboundID, ErrNotFound)
	}
	host := c.Host()
	if host == "" {
		return "", fmt.Errorf("connection uri: no host in %q", c.base)
	}
	rs := st.RealitySettings
	pub := rs.PublicKeyValue()
	if pub == "" {
		c.log.Warnf("panel %s: inbound %d has no public key, link will not connect", c.base, inboundID)
	}
	sni, sid := DefaultSNI, ""
	if rs != nil {
		if len(rs.ServerNames) > 0 && rs.ServerNames[0] != "" {
			sni = rs.ServerNames[0]
		}
		if len(rs.ShortIDs) > 0 {
			sid = rs.ShortIDs[0]
		}
	}
	flow := cl.Flow
	if flow == "" {
		flow = DefaultFlow
	}
	return BuildURI(URIParams{
		ClientID:  cl.ID,
		Host:      host,
		Port:      in.Port,
		PublicKey: pub,
		SNI:       sni,
		Flow:      flow,
		ShortID:   sid,
		Label:     cl.Email,
	}), nil
}

type URIParams struct {
	ClientID  string
	Host      string
	Port      int
	PublicKey string
	SNI       string
	Flow      string
	ShortID   string
	Label     string
}

func BuildURI(p URIParams) string {
	var b strings.Builder
	b.WriteString("vless://")
	b.WriteString(p.ClientID)
	b.WriteByte('@')
	if strings.Contains(p.Host, ":") {
		b.WriteString("[" + p.Host + "]")
	} else {
		b.WriteString(p.Host)
	}
	b.WriteString(":" + strconv.Itoa(p.Port))
	b.WriteString("?type=tcp&security=reality&fp=chrome")
	b.WriteString("&pbk=" + url.QueryEscape(p.PublicKey))
	b.WriteString("&sni=" + url.QueryEscape(p.SNI))
	b.WriteString("&flow=" + url.QueryEscape(p.Flow))
	b.WriteString("&sid=" + url.QueryEscape(p.ShortID))
	b.WriteString("&spx=%2F")
	label := p.Label
	if label == "" {
		label = "VPN"
	}
	b.WriteString("#" + url.PathEscape(label))
	return b.String()
}

// lookupClient matches by exact id, then by an email containing the id or one
// of its first two uuid groups, then falls back to the newest client.
func lookupClient(clients []InboundClient, id string) (InboundClient, bool) {
	if len(clients) == 0 {
		return InboundClient{}, false
	}
	for _, cl := range clients {
		if cl.ID == id {
			return cl, true
		}
	}
	if id != "" {
		parts := strings.Split(id, "-")
		if len(parts) > 2 {
			parts = parts[:2]
		}
		for _, cl := range clients {
			if cl.Email == "" {
				continue
			}
			if strings.Contains(cl.Email, id) {
				return cl, true
			}
			for _, part := range parts {
				if part != "" && strings.Contains(cl.Email, part) {
					return cl, true
				}
			}
		}
	}
	return clients[len(clients)-1], true
}
