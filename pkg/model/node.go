package model

import (
	"net/url"
	"time"
)

type NodeMode string

const (
	ModeDefault NodeMode = "default"
	ModeReality NodeMode = "reality"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"

	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

// Defaults applied when a node is created without explicit values.
const (
	DefaultMaxUsers = 1000
	DefaultPriority = 100
	DefaultWeight   = 1.0
	DefaultSNIMask  = "apple.com"
)

// Node is a relay server fronted by a 3x-ui management panel.
type Node struct {
	ID              string     `gorm:"primaryKey;size:64" json:"id"`
	Name            string     `gorm:"size:128" json:"name"`
	Description     string     `gorm:"size:512" json:"description,omitempty"`
	Location        string     `gorm:"size:128" json:"location,omitempty"`
	Region          string     `gorm:"index;size:8" json:"region"` // ISO country code, upper case
	PanelURL        string     `gorm:"size:255" json:"panelUrl"`
	PanelUsername   string     `gorm:"size:128" json:"panelUsername"`
	PanelPassword   string     `gorm:"size:255" json:"-"`
	Mode            NodeMode   `gorm:"size:16" json:"mode"`
	PublicKey       string     `gorm:"size:64" json:"publicKey,omitempty"`
	ShortID         string     `gorm:"size:16" json:"shortId,omitempty"`
	SNIMask         string     `gorm:"size:128" json:"sniMask,omitempty"`
	MaxUsers        int        `json:"maxUsers"`
	CurrentUsers    int        `json:"currentUsers"` // recomputed from assignments only
	Status          string     `gorm:"index;size:16" json:"status"`
	HealthStatus    string     `gorm:"index;size:16" json:"healthStatus"`
	LastHealthCheck *time.Time `json:"lastHealthCheck,omitempty"`
	ResponseTimeMs  int        `json:"responseTimeMs,omitempty"` // 0 means not measured yet
	Priority        int        `json:"priority"`
	Weight          float64    `json:"weight"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// ApplyDefaults fills zero-valued tunables.
func (n *Node) ApplyDefaults() {
	if n.MaxUsers <= 0 {
		n.MaxUsers = DefaultMaxUsers
	}
	if n.Priority == 0 {
		n.Priority = DefaultPriority
	}
	if n.Weight == 0 {
		n.Weight = DefaultWeight
	}
	if n.SNIMask == "" {
		n.SNIMask = DefaultSNIMask
	}
	if n.Mode == "" {
		n.Mode = ModeDefault
	}
	if n.Status == "" {
		n.Status = StatusActive
	}
	if n.HealthStatus == "" {
		n.HealthStatus = HealthUnknown
	}
}

func (n Node) LoadPercentage() float64 {
	if n.MaxUsers <= 0 {
		return 100
	}
	return float64(n.CurrentUsers) / float64(n.MaxUsers) * 100
}

// CanAcceptUsers reports whether new users may be placed on the node.
// Nodes that were never polled (unknown health) are considered usable.
func (n Node) CanAcceptUsers() bool {
	return n.Status == StatusActive &&
		n.HealthStatus != HealthUnhealthy &&
		n.CurrentUsers < n.MaxUsers
}

// PanelHost returns the hostname part of the panel URL.
func (n Node) PanelHost() string {
	u, err := url.Parse(n.PanelURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// NodeFilter narrows ListNodes. Zero values match everything.
type NodeFilter struct {
	Status  string
	Region  string
	Healths []string
}

func (f NodeFilter) Match(n Node) bool {
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.Region != "" && n.Region != f.Region {
		return false
	}
	if len(f.Healths) > 0 {
		ok := false
		for _, h := range f.Healths {
			if n.HealthStatus == h {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
