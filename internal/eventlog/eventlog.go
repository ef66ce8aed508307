// Package eventlog persists machine status transitions and job outcomes as
// an audit trail. Recording is best-effort: a failed insert is logged and
// never propagates into protocol flow.
package eventlog

import (
	"log"
	"time"

	"github.com/tindale/gantry/internal/machines"
	"github.com/tindale/gantry/internal/models"
	"github.com/tindale/gantry/internal/protocol"
	"github.com/tindale/gantry/internal/sequencer"
	"gorm.io/gorm"
)

// Recorder writes protocol events to the database.
type Recorder struct {
	conn *gorm.DB
}

// New creates a recorder over an open, migrated connection.
func New(conn *gorm.DB) *Recorder {
	return &Recorder{conn: conn}
}

// RecordStatusChange persists one machine status transition.
func (r *Recorder) RecordStatusChange(c machines.Change) {
	ev := models.MachineEvent{
		MachineID:           c.MachineID,
		OldStatus:           c.OldStatus,
		NewStatus:           c.Record.Status,
		ControllerConnected: c.Record.ControllerConnected,
		Source:              c.Source,
		CreatedAt:           time.Now(),
	}
	if err := r.conn.Create(&ev).Error; err != nil {
		log.Printf("eventlog: machine event for %s: %v", c.MachineID, err)
	}
}

// RecordLineResult persists one sequenced line outcome. The transient
// "sending" state is skipped; only resolutions are worth keeping.
func (r *Recorder) RecordLineResult(p protocol.LineResultPayload) {
	if p.Status == sequencer.LineSending {
		return
	}
	ev := models.JobEvent{
		MachineID:  p.MachineID,
		JobID:      p.JobID,
		Kind:       "line",
		LineNumber: p.LineNumber,
		TotalLines: p.TotalLines,
		Gcode:      p.Gcode,
		Status:     p.Status,
		CreatedAt:  time.Now(),
	}
	if err := r.conn.Create(&ev).Error; err != nil {
		log.Printf("eventlog: line event for job %s: %v", p.JobID, err)
	}
}

// RecordJobSummary persists a job's terminal outcome.
func (r *Recorder) RecordJobSummary(p protocol.JobSummaryPayload) {
	ev := models.JobEvent{
		MachineID:  p.MachineID,
		JobID:      p.JobID,
		Kind:       "job",
		TotalLines: p.TotalLines,
		Status:     p.State,
		Successful: p.Successful,
		Failed:     p.Failed,
		ElapsedMs:  p.ElapsedMs,
		CreatedAt:  time.Now(),
	}
	if err := r.conn.Create(&ev).Error; err != nil {
		log.Printf("eventlog: summary event for job %s: %v", p.JobID, err)
	}
}
