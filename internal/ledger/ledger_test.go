package ledger

import (
	"testing"
	"time"
)

// --- Record / Query ---

func TestQuery_UnknownEntryNotCompleted(t *testing.T) {
	l := New(60 * time.Second)

	r := l.Query("jobX", 2)
	if r.Completed {
		t.Error("unknown entry reported completed")
	}
	if r.JobID != "jobX" || r.LineNumber != 2 {
		t.Errorf("echo fields = %+v", r)
	}
}

func TestRecordThenQuery(t *testing.T) {
	l := New(60 * time.Second)

	l.Record("jobX", 2, "cnc-01", ResponseOK)

	r := l.Query("jobX", 2)
	if !r.Completed {
		t.Fatal("recorded entry not completed")
	}
	if r.Response != ResponseOK || r.MachineID != "cnc-01" {
		t.Errorf("result = %+v", r)
	}
}

func TestQuery_LineNumbersAreDistinct(t *testing.T) {
	l := New(60 * time.Second)
	l.Record("jobX", 1, "cnc-01", ResponseOK)

	if l.Query("jobX", 2).Completed {
		t.Error("line 2 reported completed after only line 1 was recorded")
	}
}

// --- Eviction ---

func TestEvict_AfterRetentionWindow(t *testing.T) {
	l := New(60 * time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return base })

	l.Record("jobX", 1, "cnc-01", ResponseError)

	if n := l.Evict(base.Add(30 * time.Second)); n != 0 {
		t.Fatalf("early eviction removed %d entries", n)
	}
	if n := l.Evict(base.Add(61 * time.Second)); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}

	// Indistinguishable from never recorded.
	r := l.Query("jobX", 1)
	if r.Completed {
		t.Error("evicted entry still reported completed")
	}
	if l.Len() != 0 {
		t.Errorf("len = %d, want 0", l.Len())
	}
}

func TestEvict_KeepsFreshEntries(t *testing.T) {
	l := New(60 * time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l.SetClock(func() time.Time { return base })
	l.Record("jobX", 1, "cnc-01", ResponseOK)

	l.SetClock(func() time.Time { return base.Add(50 * time.Second) })
	l.Record("jobX", 2, "cnc-01", ResponseOK)

	if n := l.Evict(base.Add(70 * time.Second)); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if !l.Query("jobX", 2).Completed {
		t.Error("fresh entry was evicted")
	}
}
