package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"relay-fleet/pkg/model"
)

const maxSwitchLog = 5000

// MemoryStore is a simple in-memory implementation, intended for dev/demo and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	nodes       map[string]model.Node
	assignments map[int64]model.Assignment
	switchLog   []model.SwitchLogEntry
	countries   map[string]model.Country
	nextID      uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:       make(map[string]model.Node),
		assignments: make(map[int64]model.Assignment),
		countries:   make(map[string]model.Country),
	}
}

func (m *MemoryStore) UpsertNode(n model.Node) (model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.nodes[n.ID]; ok {
		n.CreatedAt = existing.CreatedAt
	} else if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	m.nodes[n.ID] = n
	return n, nil
}

func (m *MemoryStore) GetNode(id string) (model.Node, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok, nil
}

func (m *MemoryStore) ListNodes(f model.NodeFilter) ([]model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if f.Match(n) {
			out = append(out, n)
		}
	}
	SortByPriority(out)
	return out, nil
}

func (m *MemoryStore) DeleteNode(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return ErrNotFound
	}
	delete(m.nodes, id)
	return nil
}

func (m *MemoryStore) GetActiveAssignment(userID int64) (model.Assignment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[userID]
	return a, ok, nil
}

// ReplaceAssignment swaps the user's row under the write lock, so the swap is atomic.
func (m *MemoryStore) ReplaceAssignment(userID int64, a model.Assignment) (model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, userID)
	m.nextID++
	a.ID = m.nextID
	a.UserID = userID
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	if a.LastSwitchAt.IsZero() {
		a.LastSwitchAt = a.AssignedAt
	}
	m.assignments[userID] = a
	return a, nil
}

func (m *MemoryStore) DeleteAssignment(userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, userID)
	return nil
}

func (m *MemoryStore) ListAssignmentsByNode(nodeID string) ([]model.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Assignment{}
	for _, a := range m.assignments {
		if a.NodeID == nodeID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

func (m *MemoryStore) CountActiveBindingsForNode(nodeID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, a := range m.assignments {
		if a.NodeID == nodeID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) AppendSwitchLog(e model.SwitchLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.nextID++
	e.ID = m.nextID
	m.switchLog = append(m.switchLog, e)
	if len(m.switchLog) > maxSwitchLog {
		m.switchLog = m.switchLog[len(m.switchLog)-maxSwitchLog:]
	}
	return nil
}

// ListSwitchLog returns the newest entries last; userID 0 lists all users.
func (m *MemoryStore) ListSwitchLog(userID int64, limit int) ([]model.SwitchLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.SwitchLogEntry{}
	for _, e := range m.switchLog {
		if userID == 0 || e.UserID == userID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) UpsertCountry(c model.Country) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Code = strings.ToUpper(c.Code)
	m.countries[c.Code] = c
	return nil
}

func (m *MemoryStore) GetCountry(code string) (model.Country, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.countries[strings.ToUpper(code)]
	return c, ok, nil
}

func (m *MemoryStore) ListCountries() ([]model.Country, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Country, 0, len(m.countries))
	for _, c := range m.countries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

// Ping reports readiness for health/info endpoints.
func (m *MemoryStore) Ping() error { return nil }

// SortByPriority orders nodes by priority desc, then creation time, then id.
func SortByPriority(nodes []model.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Priority != nodes[j].Priority {
			return nodes[i].Priority > nodes[j].Priority
		}
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}
