package machines

import (
	"sync"
	"testing"
	"time"

	"github.com/tindale/gantry/internal/config"
)

func testRoster() []config.MachineConfig {
	return []config.MachineConfig{
		{ID: "cnc-01", Name: "CNC Router 01", Kind: "cnc", IPAddress: "192.168.8.121"},
		{ID: "plasma-01", Name: "Plasma Cutter 01", Kind: "plasma", IPAddress: "192.168.8.122"},
	}
}

func boolPtr(b bool) *bool { return &b }

// --- Upsert tests ---

func TestUpsert_UnknownMachineDropped(t *testing.T) {
	tbl := NewTable(testRoster(), 30*time.Second)
	var changes []Change
	tbl.OnChange(func(c Change) { changes = append(changes, c) })

	tbl.Upsert("intruder-99", Patch{Status: StatusOnline}, SourceHeartbeat)

	if len(changes) != 0 {
		t.Errorf("change events = %d, want 0", len(changes))
	}
	if _, ok := tbl.Get("intruder-99"); ok {
		t.Error("unknown machine was added to the roster")
	}
}

func TestUpsert_EmitsOnTransitionOnly(t *testing.T) {
	tbl := NewTable(testRoster(), 30*time.Second)
	var changes []Change
	tbl.OnChange(func(c Change) { changes = append(changes, c) })

	tbl.Upsert("cnc-01", Patch{Status: StatusOnline, ControllerConnected: boolPtr(true)}, SourceHeartbeat)
	if len(changes) != 1 {
		t.Fatalf("changes after first heartbeat = %d, want 1", len(changes))
	}
	if changes[0].OldStatus != StatusOffline || changes[0].Record.Status != StatusOnline {
		t.Errorf("transition = %s -> %s, want offline -> online", changes[0].OldStatus, changes[0].Record.Status)
	}

	// Repeated heartbeats refresh lastSeen but must not flood web clients.
	tbl.Upsert("cnc-01", Patch{Status: StatusOnline, ControllerConnected: boolPtr(true)}, SourceHeartbeat)
	tbl.Upsert("cnc-01", Patch{Status: StatusOnline, ControllerConnected: boolPtr(true)}, SourceHeartbeat)
	if len(changes) != 1 {
		t.Errorf("changes after repeated heartbeats = %d, want 1", len(changes))
	}
}

func TestUpsert_ConnectedControllerNeverOffline(t *testing.T) {
	tbl := NewTable(testRoster(), 30*time.Second)

	tbl.Upsert("cnc-01", Patch{Status: StatusOffline, ControllerConnected: boolPtr(true)}, SourceConnect)

	rec, _ := tbl.Get("cnc-01")
	if rec.Status == StatusOffline {
		t.Error("controllerConnected=true must imply status != offline")
	}
}

func TestUpsert_BumpsLastSeen(t *testing.T) {
	tbl := NewTable(testRoster(), 30*time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tbl.SetClock(func() time.Time { return base })

	tbl.Upsert("cnc-01", Patch{Status: StatusOnline}, SourceHeartbeat)
	rec, _ := tbl.Get("cnc-01")
	if !rec.LastSeen.Equal(base) {
		t.Errorf("lastSeen = %v, want %v", rec.LastSeen, base)
	}
}

// --- Sweep tests ---

func TestSweep_DemotesStaleMachines(t *testing.T) {
	tbl := NewTable(testRoster(), 30*time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tbl.SetClock(func() time.Time { return base })
	var changes []Change
	tbl.OnChange(func(c Change) { changes = append(changes, c) })

	tbl.Upsert("cnc-01", Patch{Status: StatusOnline, ControllerConnected: boolPtr(true)}, SourceHeartbeat)
	changes = nil

	n := tbl.Sweep(base.Add(31 * time.Second))
	if n != 1 {
		t.Fatalf("demotions = %d, want 1", n)
	}
	rec, _ := tbl.Get("cnc-01")
	if rec.Status != StatusOffline || rec.ControllerConnected {
		t.Errorf("record after sweep = %+v, want offline, disconnected", rec)
	}
	if len(changes) != 1 || changes[0].Source != SourceSweep {
		t.Errorf("changes = %+v, want one sweep event", changes)
	}
}

func TestSweep_FreshMachineUntouched(t *testing.T) {
	tbl := NewTable(testRoster(), 30*time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tbl.SetClock(func() time.Time { return base })

	tbl.Upsert("cnc-01", Patch{Status: StatusOnline, ControllerConnected: boolPtr(true)}, SourceHeartbeat)

	if n := tbl.Sweep(base.Add(10 * time.Second)); n != 0 {
		t.Errorf("demotions = %d, want 0", n)
	}
	rec, _ := tbl.Get("cnc-01")
	if rec.Status != StatusOnline {
		t.Errorf("status = %q, want online", rec.Status)
	}
}

func TestSweep_IdempotentOnOffline(t *testing.T) {
	tbl := NewTable(testRoster(), 30*time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tbl.SetClock(func() time.Time { return base })
	var changes []Change
	tbl.OnChange(func(c Change) { changes = append(changes, c) })

	tbl.Upsert("cnc-01", Patch{Status: StatusOnline, ControllerConnected: boolPtr(true)}, SourceHeartbeat)
	changes = nil

	late := base.Add(time.Minute)
	tbl.Sweep(late)
	tbl.Sweep(late)
	tbl.Sweep(late)

	if len(changes) != 1 {
		t.Errorf("changes after repeated sweeps = %d, want 1", len(changes))
	}
}

func TestSweep_EventOrderMatchesFinalState(t *testing.T) {
	tbl := NewTable(testRoster(), 30*time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tbl.SetClock(func() time.Time { return base })

	var mu sync.Mutex
	var changes []Change
	parked := make(chan struct{})
	hold := make(chan struct{})
	tbl.OnChange(func(c Change) {
		if c.Source == SourceSweep {
			// Stall the sweep demotion mid-emit so a heartbeat can race it.
			close(parked)
			<-hold
		}
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	tbl.Upsert("cnc-01", Patch{Status: StatusOnline, ControllerConnected: boolPtr(true)}, SourceHeartbeat)

	sweepDone := make(chan struct{})
	go func() {
		tbl.Sweep(base.Add(time.Minute))
		close(sweepDone)
	}()
	// Wait until the sweep is parked inside its callback.
	<-parked

	// A heartbeat landing now must not fan out ahead of the pending
	// sweep demotion.
	upsertDone := make(chan struct{})
	go func() {
		tbl.Upsert("cnc-01", Patch{Status: StatusOnline, ControllerConnected: boolPtr(true)}, SourceHeartbeat)
		close(upsertDone)
	}()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	n := len(changes)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("events emitted while sweep emission pending = %d, want 1 (initial connect only)", n)
	}

	close(hold)
	<-sweepDone
	<-upsertDone

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 3 {
		t.Fatalf("total events = %d, want 3", len(changes))
	}
	if changes[1].Source != SourceSweep || changes[2].Source != SourceHeartbeat {
		t.Fatalf("event order = [%s %s %s], want sweep before heartbeat",
			changes[0].Source, changes[1].Source, changes[2].Source)
	}
	rec, _ := tbl.Get("cnc-01")
	last := changes[len(changes)-1]
	if last.Record.Status != rec.Status {
		t.Errorf("last broadcast says %q but record is %q", last.Record.Status, rec.Status)
	}
}

// --- Disconnect path ---

func TestMarkDisconnected_ImmediateDemotion(t *testing.T) {
	tbl := NewTable(testRoster(), 30*time.Second)
	tbl.Upsert("plasma-01", Patch{Status: StatusOnline, ControllerConnected: boolPtr(true)}, SourceConnect)

	tbl.MarkDisconnected("plasma-01")

	rec, _ := tbl.Get("plasma-01")
	if rec.Status != StatusOffline || rec.ControllerConnected {
		t.Errorf("record = %+v, want offline, disconnected", rec)
	}
}

// --- Lookups ---

func TestResolveAddress(t *testing.T) {
	tbl := NewTable(testRoster(), 30*time.Second)

	if got := tbl.ResolveAddress("192.168.8.121"); got != "cnc-01" {
		t.Errorf("ResolveAddress(ip) = %q, want cnc-01", got)
	}
	if got := tbl.ResolveAddress("cnc-01"); got != "cnc-01" {
		t.Errorf("ResolveAddress(id) = %q, want cnc-01 passthrough", got)
	}
}

func TestOnlineCount(t *testing.T) {
	tbl := NewTable(testRoster(), 30*time.Second)
	if n := tbl.OnlineCount(); n != 0 {
		t.Fatalf("initial online count = %d, want 0", n)
	}
	tbl.Upsert("cnc-01", Patch{Status: StatusOnline, ControllerConnected: boolPtr(true)}, SourceHeartbeat)
	tbl.Upsert("plasma-01", Patch{Status: StatusStandby}, SourceHeartbeat)
	if n := tbl.OnlineCount(); n != 1 {
		t.Errorf("online count = %d, want 1", n)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	tbl := NewTable(testRoster(), 30*time.Second)
	snap := tbl.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	rec := snap["cnc-01"]
	rec.Status = StatusError
	snap["cnc-01"] = rec

	live, _ := tbl.Get("cnc-01")
	if live.Status == StatusError {
		t.Error("mutating the snapshot leaked into the live table")
	}
}
