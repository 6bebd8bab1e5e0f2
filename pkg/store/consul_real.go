//go:build consul

package store

import (
	log "github.com/sirupsen/logrus"

	"relay-fleet/pkg/consul"
)

// NewConsulStore creates a Consul-backed store (requires build tag consul).
func NewConsulStore(addr string, logger *log.Logger) FleetStore {
	return consul.NewStore(addr, logger)
}
