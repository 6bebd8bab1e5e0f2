package panel

import (
	"bytes"
	"encoding/json"
)

// Inbound as returned by the panel. Settings, StreamSettings and Sniffing are
// JSON documents encoded as strings; they are kept raw so updates round-trip.
type Inbound struct {
	ID             int    `json:"id"`
	Up             int64  `json:"up"`
	Down           int64  `json:"down"`
	Total          int64  `json:"total"`
	Remark         string `json:"remark"`
	Enable         bool   `json:"enable"`
	ExpiryTime     int64  `json:"expiryTime"`
	Listen         string `json:"listen"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
	Tag            string `json:"tag"`
	Sniffing       string `json:"sniffing"`
}

type Settings struct {
	Clients    []InboundClient   `json:"clients"`
	Decryption string            `json:"decryption,omitempty"`
	Fallbacks  []json.RawMessage `json:"fallbacks,omitempty"`
}

type InboundClient struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Flow       string     `json:"flow"`
	LimitIP    int        `json:"limitIp"`
	TotalGB    int64      `json:"totalGB"`
	ExpiryTime int64      `json:"expiryTime"`
	Enable     bool       `json:"enable"`
	TgID       flexString `json:"tgId"`
	SubID      string     `json:"subId"`
}

type StreamSettings struct {
	Network         string           `json:"network"`
	Security        string           `json:"security"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`
	TCPSettings     json.RawMessage  `json:"tcpSettings,omitempty"`
}

type RealitySettings struct {
	Show        bool                  `json:"show"`
	Xver        int                   `json:"xver"`
	Dest        string                `json:"dest"`
	ServerNames []string              `json:"serverNames"`
	PrivateKey  string                `json:"privateKey"`
	PublicKey   string                `json:"publicKey,omitempty"`
	MaxTimeDiff int                   `json:"maxTimeDiff"`
	ShortIDs    []string              `json:"shortIds"`
	Settings    RealityClientSettings `json:"settings"`
}

// RealityClientSettings is the part of realitySettings the panel shows to clients.
type RealityClientSettings struct {
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
	ServerName  string `json:"serverName"`
	SpiderX     string `json:"spiderX"`
}

// PublicKeyValue prefers realitySettings.publicKey over realitySettings.settings.publicKey.
func (r *RealitySettings) PublicKeyValue() string {
	if r == nil {
		return ""
	}
	if r.PublicKey != "" {
		return r.PublicKey
	}
	return r.Settings.PublicKey
}

type Sniffing struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride"`
}

func (in Inbound) DecodeSettings() (Settings, error) {
	var s Settings
	if in.Settings == "" {
		return s, nil
	}
	err := json.Unmarshal([]byte(in.Settings), &s)
	return s, err
}

func (in Inbound) DecodeStream() (StreamSettings, error) {
	var s StreamSettings
	if in.StreamSettings == "" {
		return s, nil
	}
	err := json.Unmarshal([]byte(in.StreamSettings), &s)
	return s, err
}

// Clients decodes the client list, returning nil for malformed settings.
func (in Inbound) Clients() []InboundClient {
	s, err := in.DecodeSettings()
	if err != nil {
		return nil
	}
	return s.Clients
}

// IsReality reports whether the inbound is an enabled VLESS/Reality entry on port.
func (in Inbound) IsReality(port int) bool {
	if in.Protocol != "vless" || in.Port != port || !in.Enable {
		return false
	}
	st, err := in.DecodeStream()
	return err == nil && st.Security == "reality"
}

// InboundConfig describes a new inbound; the nested documents are encoded to
// JSON strings on submission.
type InboundConfig struct {
	Remark         string
	Enable         bool
	Port           int
	Protocol       string
	Listen         string
	Tag            string
	ExpiryTime     int64
	Total          int64
	Settings       interface{}
	StreamSettings interface{}
	Sniffing       interface{}
}

func (c InboundConfig) payload() (map[string]interface{}, error) {
	enc := func(v interface{}) (string, error) {
		if v == nil {
			return "{}", nil
		}
		if s, ok := v.(string); ok {
			return s, nil
		}
		b, err := json.Marshal(v)
		return string(b), err
	}
	settings, err := enc(c.Settings)
	if err != nil {
		return nil, err
	}
	stream, err := enc(c.StreamSettings)
	if err != nil {
		return nil, err
	}
	sniff, err := enc(c.Sniffing)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"up":             0,
		"down":           0,
		"total":          c.Total,
		"remark":         c.Remark,
		"enable":         c.Enable,
		"expiryTime":     c.ExpiryTime,
		"listen":         c.Listen,
		"port":           c.Port,
		"protocol":       c.Protocol,
		"settings":       settings,
		"streamSettings": stream,
		"tag":            c.Tag,
		"sniffing":       sniff,
	}, nil
}

// flexString accepts both JSON strings and numbers; panels disagree on tgId.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}
