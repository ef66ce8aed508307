// Package ledger keeps short-lived per-line G-code results for polling
// clients.
package ledger

import (
	"fmt"
	"sync"
	"time"
)

// Line responses.
const (
	ResponseOK      = "OK"
	ResponseError   = "ERROR"
	ResponseTimeout = "TIMEOUT"
)

// Result is one recorded line outcome. The zero value means "not completed",
// which is also what queries for unknown or evicted entries return — a
// polling client cannot tell the difference, and is not supposed to.
type Result struct {
	Completed  bool      `json:"completed"`
	Response   string    `json:"response,omitempty"`
	MachineID  string    `json:"machineId,omitempty"`
	JobID      string    `json:"jobId,omitempty"`
	LineNumber int       `json:"lineNumber,omitempty"`
	RecordedAt time.Time `json:"timestamp,omitempty"`
}

// Ledger stores line results for a fixed retention window.
type Ledger struct {
	mu        sync.Mutex
	entries   map[string]Result
	retention time.Duration
	now       func() time.Time
}

// New creates a ledger with the given retention window.
func New(retention time.Duration) *Ledger {
	return &Ledger{
		entries:   make(map[string]Result),
		retention: retention,
		now:       time.Now,
	}
}

func key(jobID string, lineNumber int) string {
	return fmt.Sprintf("%s-%d", jobID, lineNumber)
}

// Record stores a completed line result. Entries are immutable in spirit —
// a later write for the same (job, line) overwrites, matching the source
// protocol where a controller reports each line exactly once.
func (l *Ledger) Record(jobID string, lineNumber int, machineID, response string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key(jobID, lineNumber)] = Result{
		Completed:  true,
		Response:   response,
		MachineID:  machineID,
		JobID:      jobID,
		LineNumber: lineNumber,
		RecordedAt: l.now(),
	}
}

// Query returns the stored result for (job, line), or a zero "not
// completed" Result when the entry is unknown or already evicted.
func (l *Ledger) Query(jobID string, lineNumber int) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.entries[key(jobID, lineNumber)]; ok {
		return r
	}
	return Result{JobID: jobID, LineNumber: lineNumber}
}

// Evict drops every entry older than the retention window and returns the
// number removed.
func (l *Ledger) Evict(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, r := range l.entries {
		if now.Sub(r.RecordedAt) > l.retention {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// SetClock overrides the ledger's time source for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
