package store

import (
	"errors"

	"relay-fleet/pkg/model"
)

var ErrNotFound = errors.New("not found")

// FleetStore is the durable repository behind the registry, placement and health components.
// ReplaceAssignment must be atomic: readers observe either the old or the new row, never none or two.
type FleetStore interface {
	UpsertNode(model.Node) (model.Node, error)
	GetNode(id string) (model.Node, bool, error)
	ListNodes(model.NodeFilter) ([]model.Node, error)
	DeleteNode(id string) error

	GetActiveAssignment(userID int64) (model.Assignment, bool, error)
	ReplaceAssignment(userID int64, a model.Assignment) (model.Assignment, error)
	DeleteAssignment(userID int64) error
	ListAssignmentsByNode(nodeID string) ([]model.Assignment, error)
	CountActiveBindingsForNode(nodeID string) (int, error)

	AppendSwitchLog(model.SwitchLogEntry) error
	ListSwitchLog(userID int64, limit int) ([]model.SwitchLogEntry, error)

	UpsertCountry(model.Country) error
	GetCountry(code string) (model.Country, bool, error)
	ListCountries() ([]model.Country, error)

	Ping() error
}

// NewMemory is a helper to construct the in-memory implementation without importing it directly.
func NewMemory() FleetStore {
	return NewMemoryStore()
}
