package models

import "time"

// MachineEvent records one machine status transition for the audit trail.
type MachineEvent struct {
	ID                  uint   `gorm:"primaryKey;autoIncrement"`
	MachineID           string `gorm:"size:64;index"`
	OldStatus           string `gorm:"size:16"`
	NewStatus           string `gorm:"size:16"`
	ControllerConnected bool
	Source              string `gorm:"size:16"` // heartbeat, connect, sweep, close
	CreatedAt           time.Time
}
