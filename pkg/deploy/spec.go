package deploy

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidSpec = errors.New("invalid deployment spec")

const (
	minPanelPort = 2001
	maxPanelPort = 4999

	alnum      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	lowerAlnum = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// DeploySpec describes one fresh host to turn into a relay node.
type DeploySpec struct {
	Host        string `json:"host"`
	SSHPort     int    `json:"sshPort,omitempty"`
	SSHUser     string `json:"sshUser,omitempty"`
	SSHPassword string `json:"sshPassword"`

	NodeName string `json:"nodeName,omitempty"`
	Location string `json:"location,omitempty"`
	Region   string `json:"region"`
	MaxUsers int    `json:"maxUsers,omitempty"`
	Priority int    `json:"priority,omitempty"`
	SNIMask  string `json:"sniMask,omitempty"`

	// Panel settings the installer applies. Empty values are randomized;
	// the values actually used are re-read from the host after install.
	PanelPort     int    `json:"panelPort,omitempty"`
	PanelUsername string `json:"panelUsername,omitempty"`
	PanelPassword string `json:"panelPassword,omitempty"`
	WebBasePath   string `json:"webBasePath,omitempty"`
}

// normalize validates the spec and fills the generated defaults.
func (s *DeploySpec) normalize() error {
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidSpec)
	}
	if net.ParseIP(s.Host) == nil && !validHostname(s.Host) {
		return fmt.Errorf("%w: bad host %q", ErrInvalidSpec, s.Host)
	}
	if s.SSHPassword == "" {
		return fmt.Errorf("%w: ssh password is required", ErrInvalidSpec)
	}
	if s.SSHPort < 0 || s.SSHPort > 65535 {
		return fmt.Errorf("%w: bad ssh port %d", ErrInvalidSpec, s.SSHPort)
	}
	if s.PanelPort < 0 || s.PanelPort > 65535 {
		return fmt.Errorf("%w: bad panel port %d", ErrInvalidSpec, s.PanelPort)
	}
	if s.MaxUsers < 0 {
		return fmt.Errorf("%w: maxUsers must not be negative", ErrInvalidSpec)
	}
	s.Region = strings.ToUpper(strings.TrimSpace(s.Region))
	if s.Region == "" {
		return fmt.Errorf("%w: region is required", ErrInvalidSpec)
	}

	if s.SSHPort == 0 {
		s.SSHPort = 22
	}
	if s.SSHUser == "" {
		s.SSHUser = "root"
	}
	if s.NodeName == "" {
		s.NodeName = nodeName(s.Host)
	}
	if s.Location == "" {
		s.Location = "Auto-detected"
	}
	if s.PanelPort == 0 {
		s.PanelPort = minPanelPort + randInt(maxPanelPort-minPanelPort+1)
	}
	if s.PanelUsername == "" {
		s.PanelUsername = "admin"
	}
	if s.PanelPassword == "" {
		s.PanelPassword = randString(alnum, 12)
	}
	if s.WebBasePath == "" {
		s.WebBasePath = randString(lowerAlnum, 12)
	}
	s.WebBasePath = strings.Trim(s.WebBasePath, "/")
	return nil
}

func validHostname(h string) bool {
	if len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	return true
}

// nodeName is Auto-Node-<host with dashes>-<8 hex>.
func nodeName(host string) string {
	h := strings.NewReplacer(".", "-", ":", "-").Replace(host)
	return fmt.Sprintf("Auto-Node-%s-%s", h, shortHex())
}

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}

func randString(alphabet string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[randInt(len(alphabet))]
	}
	return string(b)
}
