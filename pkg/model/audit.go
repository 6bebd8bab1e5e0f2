package model

import "time"

const (
	ReasonPlacement = "placement"
	ReasonMigration = "migration"
	ReasonRebalance = "rebalance"
	ReasonRetire    = "retire"
)

// SwitchLogEntry is the write-once audit record of a placement or migration attempt.
type SwitchLogEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       int64     `gorm:"index" json:"userId"`
	FromNodeID   string    `gorm:"size:64" json:"fromNodeId,omitempty"`
	ToNodeID     string    `gorm:"size:64" json:"toNodeId,omitempty"`
	Region       string    `gorm:"size:8" json:"region"`
	Reason       string    `gorm:"size:16" json:"reason"`
	Success      bool      `json:"success"`
	FallbackUsed bool      `json:"fallbackUsed,omitempty"`
	Error        string    `gorm:"size:1024" json:"error,omitempty"`
	ProcessingMs int64     `json:"processingMs"`
	CreatedAt    time.Time `gorm:"index" json:"createdAt"`
}
