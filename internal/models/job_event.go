package models

import "time"

// JobEvent records a sequenced line outcome or a terminal job summary.
type JobEvent struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	MachineID  string `gorm:"size:64;index"`
	JobID      string `gorm:"size:64;index"`
	Kind       string `gorm:"size:8"` // "line" or "job"
	LineNumber int
	TotalLines int
	Gcode      string `gorm:"size:256"`
	Status     string `gorm:"size:16"` // line: sending/ok/error/timeout; job: completed/stopped/failed
	Successful int
	Failed     int
	ElapsedMs  int64
	CreatedAt  time.Time
}
