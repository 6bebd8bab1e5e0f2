// Package registry owns node records: creation after a verified panel login,
// updates, removal with user migration, and the derived user counts and
// health fields.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"relay-fleet/pkg/model"
	"relay-fleet/pkg/panel"
	"relay-fleet/pkg/store"
)

var (
	ErrNotFound         = errors.New("node not found")
	ErrConnectionFailed = errors.New("panel connection failed")
	ErrInvalidNode      = errors.New("invalid node")
)

// Migrator moves one user off a node. Placement implements it; the registry
// only needs it when deleting a node with migration.
type Migrator interface {
	Migrate(ctx context.Context, userID int64, fromNodeID, reason string) (model.Assignment, error)
}

type NodeSpec struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Location      string         `json:"location"`
	Region        string         `json:"region"`
	PanelURL      string         `json:"panelUrl"`
	PanelUsername string         `json:"panelUsername"`
	PanelPassword string         `json:"panelPassword"`
	Mode          model.NodeMode `json:"mode"`
	PublicKey     string         `json:"publicKey"`
	ShortID       string         `json:"shortId"`
	SNIMask       string         `json:"sniMask"`
	MaxUsers      int            `json:"maxUsers"`
	Priority      int            `json:"priority"`
	Weight        float64        `json:"weight"`
}

// NodePatch updates only the non-nil fields.
type NodePatch struct {
	Name          *string  `json:"name"`
	Description   *string  `json:"description"`
	Location      *string  `json:"location"`
	Region        *string  `json:"region"`
	PanelURL      *string  `json:"panelUrl"`
	PanelUsername *string  `json:"panelUsername"`
	PanelPassword *string  `json:"panelPassword"`
	SNIMask       *string  `json:"sniMask"`
	Status        *string  `json:"status"`
	MaxUsers      *int     `json:"maxUsers"`
	Priority      *int     `json:"priority"`
	Weight        *float64 `json:"weight"`
}

type Registry struct {
	// mu serializes read-modify-write of node records
	mu sync.Mutex

	store    store.FleetStore
	panels   panel.Connector
	migrator Migrator
	log      *log.Logger
}

func New(st store.FleetStore, panels panel.Connector, logger *log.Logger) *Registry {
	return &Registry{store: st, panels: panels, log: logger}
}

func (r *Registry) SetMigrator(m Migrator) { r.migrator = m }

func validURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: panel url must be http(s)://host[:port][/path], got %q", ErrInvalidNode, raw)
	}
	return nil
}

// Create stores a node only after its panel accepted the credentials.
func (r *Registry) Create(ctx context.Context, spec NodeSpec) (model.Node, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return model.Node{}, fmt.Errorf("%w: name is required", ErrInvalidNode)
	}
	if err := validURL(spec.PanelURL); err != nil {
		return model.Node{}, err
	}
	n := model.Node{
		ID:            uuid.NewString(),
		Name:          spec.Name,
		Description:   spec.Description,
		Location:      spec.Location,
		Region:        strings.ToUpper(strings.TrimSpace(spec.Region)),
		PanelURL:      strings.TrimRight(spec.PanelURL, "/"),
		PanelUsername: spec.PanelUsername,
		PanelPassword: spec.PanelPassword,
		Mode:          spec.Mode,
		PublicKey:     spec.PublicKey,
		ShortID:       spec.ShortID,
		SNIMask:       spec.SNIMask,
		MaxUsers:      spec.MaxUsers,
		Priority:      spec.Priority,
		Weight:        spec.Weight,
		Status:        model.StatusActive,
		HealthStatus:  model.HealthUnknown,
	}
	n.ApplyDefaults()
	if err := r.panels.For(n).Login(ctx); err != nil {
		return model.Node{}, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, n.PanelURL, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	saved, err := r.store.UpsertNode(n)
	if err != nil {
		return model.Node{}, err
	}
	r.log.Infof("node %s (%s) registered in %s", saved.Name, saved.ID, saved.Region)
	return saved, nil
}

func (r *Registry) Get(id string) (model.Node, error) {
	n, ok, err := r.store.GetNode(id)
	if err != nil {
		return model.Node{}, err
	}
	if !ok {
		return model.Node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, nil
}

func (r *Registry) List(f model.NodeFilter) ([]model.Node, error) {
	if f.Region != "" {
		f.Region = strings.ToUpper(f.Region)
	}
	return r.store.ListNodes(f)
}

// Update applies patch. Changing the panel URL or credentials re-tests the
// connection; a failed test marks the node unhealthy but the update stands.
func (r *Registry) Update(ctx context.Context, id string, patch NodePatch) (model.Node, error) {
	if patch.PanelURL != nil {
		if err := validURL(*patch.PanelURL); err != nil {
			return model.Node{}, err
		}
	}
	if patch.Status != nil && *patch.Status != model.StatusActive && *patch.Status != model.StatusInactive {
		return model.Node{}, fmt.Errorf("%w: status %q", ErrInvalidNode, *patch.Status)
	}

	r.mu.Lock()
	n, err := r.Get(id)
	if err != nil {
		r.mu.Unlock()
		return model.Node{}, err
	}
	connChanged := false
	setStr := func(dst *string, v *string, conn bool) {
		if v != nil && *dst != *v {
			*dst = *v
			connChanged = connChanged || conn
		}
	}
	setStr(&n.Name, patch.Name, false)
	setStr(&n.Description, patch.Description, false)
	setStr(&n.Location, patch.Location, false)
	if patch.Region != nil {
		n.Region = strings.ToUpper(*patch.Region)
	}
	if patch.PanelURL != nil {
		u := strings.TrimRight(*patch.PanelURL, "/")
		patch.PanelURL = &u
	}
	setStr(&n.PanelURL, patch.PanelURL, true)
	setStr(&n.PanelUsername, patch.PanelUsername, true)
	setStr(&n.PanelPassword, patch.PanelPassword, true)
	setStr(&n.SNIMask, patch.SNIMask, false)
	setStr(&n.Status, patch.Status, false)
	if patch.MaxUsers != nil && *patch.MaxUsers > 0 {
		n.MaxUsers = *patch.MaxUsers
	}
	if patch.Priority != nil {
		n.Priority = *patch.Priority
	}
	if patch.Weight != nil && *patch.Weight > 0 {
		n.Weight = *patch.Weight
	}
	saved, err := r.store.UpsertNode(n)
	r.mu.Unlock()
	if err != nil {
		return model.Node{}, err
	}

	if connChanged {
		if err := r.panels.For(saved).Login(ctx); err != nil {
			r.log.Warnf("node %s: connection test after update failed: %v", saved.Name, err)
			_ = r.RecordHealth(saved.ID, model.HealthResult{NodeID: saved.ID, Healthy: false, Error: err.Error(), CheckedAt: time.Now()})
			return r.Get(saved.ID)
		}
	}
	return saved, nil
}

// TestConnection logs into the node's panel.
func (r *Registry) TestConnection(ctx context.Context, id string) error {
	n, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := r.panels.For(n).Login(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// Delete removes the node. With migrateUsers every assignment is moved through
// the migrator first; users that cannot be moved lose their assignment.
func (r *Registry) Delete(ctx context.Context, id string, migrateUsers bool) error {
	n, err := r.Get(id)
	if err != nil {
		return err
	}
	if n.Status != model.StatusInactive {
		if err := r.setStatus(id, model.StatusInactive, ""); err != nil {
			return err
		}
	}

	assigned, err := r.store.ListAssignmentsByNode(id)
	if err != nil {
		return err
	}
	moved, dropped := 0, 0
	for _, a := range assigned {
		if migrateUsers && r.migrator != nil {
			_, err := r.migrator.Migrate(ctx, a.UserID, id, model.ReasonMigration)
			if err == nil {
				moved++
				continue
			}
			r.log.Warnf("node %s: user %d could not be moved: %v", n.Name, a.UserID, err)
		} else {
			// nothing else records this switch
			_ = r.store.AppendSwitchLog(model.SwitchLogEntry{
				UserID: a.UserID, FromNodeID: id, Region: a.Region, Reason: model.ReasonRetire,
				Success: false, Error: "node deleted without migration",
			})
		}
		if err := r.store.DeleteAssignment(a.UserID); err != nil {
			return fmt.Errorf("drop assignment of user %d: %w", a.UserID, err)
		}
		dropped++
	}

	r.mu.Lock()
	err = r.store.DeleteNode(id)
	r.mu.Unlock()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if f, ok := r.panels.(interface{ Forget(string) }); ok {
		f.Forget(id)
	}
	r.log.Infof("node %s deleted: %d users moved, %d assignments dropped", n.Name, moved, dropped)
	return nil
}

// RecomputeStats recounts the users bound to the node. It is the only writer
// of CurrentUsers.
func (r *Registry) RecomputeStats(nodeID string) (int, error) {
	count, err := r.store.CountActiveBindingsForNode(nodeID)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok, err := r.store.GetNode(nodeID)
	if err != nil || !ok {
		return count, err
	}
	if n.CurrentUsers == count {
		return count, nil
	}
	n.CurrentUsers = count
	_, err = r.store.UpsertNode(n)
	return count, err
}

// RecordHealth stores the outcome of a poll.
func (r *Registry) RecordHealth(nodeID string, res model.HealthResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	checked := res.CheckedAt
	if checked.IsZero() {
		checked = time.Now()
	}
	n.LastHealthCheck = &checked
	n.ResponseTimeMs = res.ResponseTimeMs
	if res.Healthy {
		n.HealthStatus = model.HealthHealthy
	} else {
		n.HealthStatus = model.HealthUnhealthy
	}
	_, err = r.store.UpsertNode(n)
	return err
}

// Retire takes a failing node out of rotation. It is not reactivated automatically.
func (r *Registry) Retire(nodeID string) error {
	return r.setStatus(nodeID, model.StatusInactive, model.HealthUnhealthy)
}

func (r *Registry) setStatus(nodeID, status, health string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	n.Status = status
	if health != "" {
		n.HealthStatus = health
	}
	_, err = r.store.UpsertNode(n)
	return err
}

// ApplyReality records the Reality parameters the panel accepted.
func (r *Registry) ApplyReality(nodeID, publicKey, shortID, sni string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	n.Mode = model.ModeReality
	n.PublicKey = publicKey
	n.ShortID = shortID
	if sni != "" {
		n.SNIMask = sni
	}
	_, err = r.store.UpsertNode(n)
	return err
}

// LoadStats is the per-node usage view.
func (r *Registry) LoadStats() ([]model.NodeLoad, error) {
	nodes, err := r.store.ListNodes(model.NodeFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]model.NodeLoad, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, LoadOf(n))
	}
	return out, nil
}

func LoadOf(n model.Node) model.NodeLoad {
	return model.NodeLoad{
		ID:             n.ID,
		Name:           n.Name,
		Region:         n.Region,
		Status:         n.Status,
		HealthStatus:   n.HealthStatus,
		CurrentUsers:   n.CurrentUsers,
		MaxUsers:       n.MaxUsers,
		LoadPercentage: n.LoadPercentage(),
	}
}

// NodeStats combines the stored record with live panel data.
type NodeStats struct {
	Node         model.NodeLoad         `json:"node"`
	Inbounds     int                    `json:"inbounds"`
	PanelClients int                    `json:"panelClients"`
	ServerStatus map[string]interface{} `json:"serverStatus,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

func (r *Registry) NodeStats(ctx context.Context, id string) (NodeStats, error) {
	n, err := r.Get(id)
	if err != nil {
		return NodeStats{}, err
	}
	out := NodeStats{Node: LoadOf(n)}
	api := r.panels.For(n)
	items, err := api.ListInbounds(ctx)
	if err != nil {
		out.Error = err.Error()
		return out, nil
	}
	out.Inbounds = len(items)
	for _, in := range items {
		out.PanelClients += len(in.Clients())
	}
	if st, err := api.ServerStatus(ctx); err == nil {
		out.ServerStatus = st
	} else {
		out.Error = err.Error()
	}
	return out, nil
}

// SeedCountries stores the catalog. Existing rows are kept unless force is set.
func (r *Registry) SeedCountries(countries []model.Country, force bool) (int, error) {
	written := 0
	for _, c := range countries {
		c.Code = strings.ToUpper(c.Code)
		if !force {
			if _, ok, err := r.store.GetCountry(c.Code); err != nil {
				return written, err
			} else if ok {
				continue
			}
		}
		if err := r.store.UpsertCountry(c); err != nil {
			return written, fmt.Errorf("country %s: %w", c.Code, err)
		}
		written++
	}
	return written, nil
}

// AvailableCountries returns active countries with at least one active node,
// highest priority first.
func (r *Registry) AvailableCountries() ([]model.Country, error) {
	countries, err := r.store.ListCountries()
	if err != nil {
		return nil, err
	}
	nodes, err := r.store.ListNodes(model.NodeFilter{Status: model.StatusActive})
	if err != nil {
		return nil, err
	}
	served := map[string]bool{}
	for _, n := range nodes {
		served[n.Region] = true
	}
	out := make([]model.Country, 0, len(countries))
	for _, c := range countries {
		if c.Active && served[c.Code] {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

// CountryAvailable reports whether some node in the region can take a new user.
func (r *Registry) CountryAvailable(code string) (bool, error) {
	nodes, err := r.store.ListNodes(model.NodeFilter{Region: strings.ToUpper(code), Status: model.StatusActive})
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		if n.CanAcceptUsers() {
			return true, nil
		}
	}
	return false, nil
}
