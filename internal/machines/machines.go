// Package machines tracks live status for the fixed machine roster.
package machines

import (
	"sync"
	"time"

	"github.com/tindale/gantry/internal/config"
)

// Machine status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusStandby = "standby"
	StatusError   = "error"
)

// Change event sources.
const (
	SourceHeartbeat = "heartbeat"
	SourceConnect   = "connect"
	SourceSweep     = "sweep"
	SourceClose     = "close"
)

// Record is the live status of one machine. Records are created from the
// roster at startup and never deleted.
type Record struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Kind                string    `json:"type"`
	Status              string    `json:"status"`
	ControllerConnected bool      `json:"controllerConnected"`
	LastSeen            time.Time `json:"lastSeen"`
	IPAddress           string    `json:"ipAddress,omitempty"`
}

// Change describes one observed status transition.
type Change struct {
	MachineID string
	Record    Record
	OldStatus string
	Source    string
}

// Patch is a partial status update applied by Upsert. Zero-value fields
// leave the record unchanged.
type Patch struct {
	Status              string
	ControllerConnected *bool
}

// ChangeFunc receives status-change events. Callbacks run outside the
// data lock but under the table's emit lock, so events for one machine
// arrive in mutation order. Callbacks must not call back into the table's
// write methods.
type ChangeFunc func(Change)

// Table is the in-memory machine status table.
type Table struct {
	// emitMu serializes whole mutate+emit pairs so change events fan out
	// in the same order the mutations landed.
	emitMu sync.Mutex

	mu         sync.Mutex
	records    map[string]*Record
	byAddress  map[string]string // ip address -> machine id
	staleAfter time.Duration
	onChange   []ChangeFunc
	now        func() time.Time
}

// NewTable seeds a status table from the configured roster. All machines
// start offline.
func NewTable(roster []config.MachineConfig, staleAfter time.Duration) *Table {
	t := &Table{
		records:    make(map[string]*Record, len(roster)),
		byAddress:  make(map[string]string),
		staleAfter: staleAfter,
		now:        time.Now,
	}
	for _, m := range roster {
		t.records[m.ID] = &Record{
			ID:        m.ID,
			Name:      m.Name,
			Kind:      m.Kind,
			Status:    StatusOffline,
			LastSeen:  t.now(),
			IPAddress: m.IPAddress,
		}
		if m.IPAddress != "" {
			t.byAddress[m.IPAddress] = m.ID
		}
	}
	return t
}

// OnChange registers a status-change callback. Must be called before the
// table starts receiving updates.
func (t *Table) OnChange(fn ChangeFunc) {
	t.onChange = append(t.onChange, fn)
}

// Upsert merges a partial status update into a roster record and bumps its
// last-seen timestamp. Unknown machine ids are dropped silently so the
// roster cannot grow from unauthenticated or misconfigured clients. A
// change event fires only when status or controller-connected actually
// changed value, never on a plain heartbeat refresh.
func (t *Table) Upsert(machineID string, patch Patch, source string) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	rec, ok := t.records[machineID]
	if !ok {
		t.mu.Unlock()
		return
	}

	oldStatus := rec.Status
	oldConnected := rec.ControllerConnected

	if patch.Status != "" {
		rec.Status = patch.Status
	}
	if patch.ControllerConnected != nil {
		rec.ControllerConnected = *patch.ControllerConnected
	}
	// A live controller is never offline.
	if rec.ControllerConnected && rec.Status == StatusOffline {
		rec.Status = StatusOnline
	}
	rec.LastSeen = t.now()

	changed := rec.Status != oldStatus || rec.ControllerConnected != oldConnected
	var ev Change
	if changed {
		ev = Change{MachineID: machineID, Record: *rec, OldStatus: oldStatus, Source: source}
	}
	t.mu.Unlock()

	if changed {
		t.emit(ev)
	}
}

// MarkDisconnected demotes a machine immediately after its connection
// closed, without waiting for the staleness sweep.
func (t *Table) MarkDisconnected(machineID string) {
	f := false
	t.Upsert(machineID, Patch{Status: StatusOffline, ControllerConnected: &f}, SourceClose)
}

// Sweep demotes every machine with no activity inside the staleness window
// to offline. Already-offline machines are skipped, so repeated sweeps
// never emit duplicate change events. Returns the number of demotions.
func (t *Table) Sweep(now time.Time) int {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	var evs []Change
	for _, rec := range t.records {
		if rec.Status == StatusOffline {
			continue
		}
		if now.Sub(rec.LastSeen) <= t.staleAfter {
			continue
		}
		old := rec.Status
		rec.Status = StatusOffline
		rec.ControllerConnected = false
		evs = append(evs, Change{MachineID: rec.ID, Record: *rec, OldStatus: old, Source: SourceSweep})
	}
	t.mu.Unlock()

	for _, ev := range evs {
		t.emit(ev)
	}
	return len(evs)
}

// Get returns a copy of one machine's record.
func (t *Table) Get(machineID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[machineID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of the full roster keyed by machine id.
func (t *Table) Snapshot() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Record, len(t.records))
	for id, rec := range t.records {
		out[id] = *rec
	}
	return out
}

// ResolveAddress maps a network address to a machine id. The input is
// returned unchanged when no alias exists, so callers can pass either form.
func (t *Table) ResolveAddress(addr string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byAddress[addr]; ok {
		return id
	}
	return addr
}

// Known reports whether a machine id is part of the roster.
func (t *Table) Known(machineID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[machineID]
	return ok
}

// OnlineCount returns the number of machines currently online.
func (t *Table) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rec := range t.records {
		if rec.Status == StatusOnline {
			n++
		}
	}
	return n
}

// SetClock overrides the table's time source for tests.
func (t *Table) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

func (t *Table) emit(ev Change) {
	for _, fn := range t.onChange {
		fn(ev)
	}
}
