package model

import "time"

// Assignment binds a user to the node currently serving them.
// A user has at most one row; replacing it is delete-then-insert.
type Assignment struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       int64     `gorm:"uniqueIndex" json:"userId"`
	NodeID       string    `gorm:"index;size:64" json:"nodeId"`
	Region       string    `gorm:"size:8" json:"region"`
	AssignedAt   time.Time `json:"assignedAt"`
	LastSwitchAt time.Time `json:"lastSwitchAt"`
}
