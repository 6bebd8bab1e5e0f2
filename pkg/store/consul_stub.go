//go:build !consul

package store

import (
	log "github.com/sirupsen/logrus"
)

// NewConsulStore returns a memory store when the consul build tag is not enabled.
func NewConsulStore(addr string, logger *log.Logger) FleetStore {
	logger.Warnf("consul store requested (addr=%s) but consul build tag not enabled; using memory store", addr)
	return NewMemoryStore()
}
