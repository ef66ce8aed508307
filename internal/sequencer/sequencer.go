// Package sequencer feeds G-code to machines one line at a time, gating
// each line on an acknowledgment from the controller.
package sequencer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tindale/gantry/internal/ledger"
	"github.com/tindale/gantry/internal/protocol"
)

// Job states.
const (
	StateSending     = "sending"
	StateAwaitingAck = "awaiting_ack"
	StateCompleted   = "completed"
	StateStopped     = "stopped"
	StateFailed      = "failed"
)

// Line result statuses reported to observers.
const (
	LineSending = "sending"
	LineOK      = "ok"
	LineError   = "error"
	LineTimeout = "timeout"
)

// Deliverer sends one line toward a machine connection. Implemented by the
// hub.
type Deliverer interface {
	SendGcode(machineID, gcode string, lineNumber int, jobID string) (resolvedID, usedJobID string, err error)
}

// LineFunc observes per-line outcomes; SummaryFunc observes terminal job
// outcomes. Observers run on the job goroutine and must not block.
type (
	LineFunc    func(protocol.LineResultPayload)
	SummaryFunc func(protocol.JobSummaryPayload)
)

// Job is one active sequenced transmission. All fields are guarded by the
// sequencer mutex except the channels.
type job struct {
	machineID string
	jobID     string
	lines     []string
	cursor    int
	state     string
	ok        int
	failed    int
	startedAt time.Time

	ackCh    chan protocol.GcodeResponsePayload
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Status is a snapshot of one active job.
type Status struct {
	MachineID  string `json:"machineId"`
	JobID      string `json:"jobId"`
	State      string `json:"state"`
	NextLine   int    `json:"nextLine"`
	TotalLines int    `json:"totalLines"`
}

// Sequencer runs at most one job per machine; jobs on different machines
// proceed independently.
type Sequencer struct {
	deliver    Deliverer
	ledger     *ledger.Ledger
	ackTimeout time.Duration

	mu     sync.Mutex
	active map[string]*job

	onLine    []LineFunc
	onSummary []SummaryFunc
}

// New creates a sequencer delivering through d, recording timeouts in led.
func New(d Deliverer, led *ledger.Ledger, ackTimeout time.Duration) *Sequencer {
	return &Sequencer{
		deliver:    d,
		ledger:     led,
		ackTimeout: ackTimeout,
		active:     make(map[string]*job),
	}
}

// OnLineResult registers a per-line observer. Must be called before Start.
func (s *Sequencer) OnLineResult(fn LineFunc) { s.onLine = append(s.onLine, fn) }

// OnSummary registers a terminal-outcome observer. Must be called before
// Start.
func (s *Sequencer) OnSummary(fn SummaryFunc) { s.onSummary = append(s.onSummary, fn) }

// ParseLines splits a G-code program into executable lines, dropping blank
// lines and comment-only lines.
func ParseLines(gcode string) []string {
	var out []string
	for _, raw := range strings.Split(gcode, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Start begins sequencing a program against one machine. It fails when the
// job id is missing, the program has no executable lines, or a job is
// already active for that machine. The job runs on its own goroutine.
func (s *Sequencer) Start(machineID, jobID, gcode string) (string, error) {
	if machineID == "" {
		return "", fmt.Errorf("sequencer: machine id is required")
	}
	if jobID == "" {
		return "", fmt.Errorf("sequencer: job id is required")
	}
	lines := ParseLines(gcode)
	if len(lines) == 0 {
		return "", fmt.Errorf("sequencer: no executable G-code lines")
	}

	j := &job{
		machineID: machineID,
		jobID:     jobID,
		lines:     lines,
		state:     StateSending,
		startedAt: time.Now(),
		ackCh:     make(chan protocol.GcodeResponsePayload, 1),
		stopCh:    make(chan struct{}),
	}

	s.mu.Lock()
	if cur, ok := s.active[machineID]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("sequencer: job %s already active for machine %s", cur.jobID, machineID)
	}
	s.active[machineID] = j
	s.mu.Unlock()

	go s.run(j)
	return jobID, nil
}

// Offer routes an inbound acknowledgment to the job awaiting it. Only an
// ack matching the active job id and the line currently in flight is
// accepted; anything stale or cross-job is discarded by returning false.
// Acks are accepted from the moment delivery begins, so a controller that
// answers before the awaiting transition lands does not lose its ack.
func (s *Sequencer) Offer(machineID string, resp protocol.GcodeResponsePayload) bool {
	s.mu.Lock()
	j, ok := s.active[machineID]
	if !ok || (j.state != StateAwaitingAck && j.state != StateSending) ||
		resp.JobID != j.jobID || resp.LineNumber != j.cursor+1 {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	// A leftover from a previous line's timeout boundary may still occupy
	// the buffer; the run loop would discard it on receipt anyway. Drop it
	// here so this correlated ack is not lost to a full channel.
	select {
	case <-j.ackCh:
	default:
	}
	select {
	case j.ackCh <- resp:
		return true
	default:
		return false
	}
}

// Stop halts the active job for a machine immediately, even while awaiting
// an acknowledgment. When jobID is non-empty it must match the active job.
func (s *Sequencer) Stop(machineID, jobID string) bool {
	s.mu.Lock()
	j, ok := s.active[machineID]
	if !ok || (jobID != "" && j.jobID != jobID) {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	j.stopOnce.Do(func() { close(j.stopCh) })
	return true
}

// ActiveJob returns a snapshot of the machine's active job, if any.
func (s *Sequencer) ActiveJob(machineID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.active[machineID]
	if !ok {
		return Status{}, false
	}
	return Status{
		MachineID:  j.machineID,
		JobID:      j.jobID,
		State:      j.state,
		NextLine:   j.cursor + 1,
		TotalLines: len(j.lines),
	}, true
}

// run drives one job to a terminal state. Line N+1 is never delivered
// before line N resolved by ack, error, or timeout.
func (s *Sequencer) run(j *job) {
	total := len(j.lines)

	for {
		// Stop wins over everything, including between lines.
		select {
		case <-j.stopCh:
			s.finish(j, StateStopped)
			return
		default:
		}

		s.mu.Lock()
		cursor := j.cursor
		if cursor >= total {
			s.mu.Unlock()
			s.finish(j, StateCompleted)
			return
		}
		line := j.lines[cursor]
		lineNo := cursor + 1
		j.state = StateSending
		s.mu.Unlock()

		s.emitLine(j, lineNo, line, LineSending)

		if _, _, err := s.deliver.SendGcode(j.machineID, line, lineNo, j.jobID); err != nil {
			// The line was not consumed; the job cannot make progress.
			s.mu.Lock()
			j.failed++
			s.mu.Unlock()
			s.emitLine(j, lineNo, line, LineError)
			s.finish(j, StateFailed)
			return
		}

		s.mu.Lock()
		j.state = StateAwaitingAck
		s.mu.Unlock()

		timer := time.NewTimer(s.ackTimeout)
		resolved := false
		for !resolved {
			select {
			case resp := <-j.ackCh:
				// An ack can slip into the buffer in the same instant a
				// timeout resolves the previous line; re-check the
				// correlation before applying it.
				if resp.JobID != j.jobID || resp.LineNumber != lineNo {
					continue
				}
				timer.Stop()
				status := LineOK
				s.mu.Lock()
				if resp.Response == ledger.ResponseOK {
					j.ok++
				} else {
					j.failed++
					status = LineError
				}
				j.cursor++
				s.mu.Unlock()
				s.emitLine(j, lineNo, line, status)
				resolved = true

			case <-timer.C:
				// No retry: a missed ack advances as a failed line so one
				// stuck line cannot wedge the whole job.
				s.ledger.Record(j.jobID, lineNo, j.machineID, ledger.ResponseTimeout)
				s.mu.Lock()
				j.failed++
				j.cursor++
				s.mu.Unlock()
				s.emitLine(j, lineNo, line, LineTimeout)
				resolved = true

			case <-j.stopCh:
				timer.Stop()
				s.finish(j, StateStopped)
				return
			}
		}
	}
}

// finish moves a job to a terminal state, clears it from the active table,
// and emits the summary. Late acknowledgments for this job id will no
// longer correlate.
func (s *Sequencer) finish(j *job, state string) {
	s.mu.Lock()
	j.state = state
	if cur, ok := s.active[j.machineID]; ok && cur == j {
		delete(s.active, j.machineID)
	}
	summary := protocol.JobSummaryPayload{
		MachineID:  j.machineID,
		JobID:      j.jobID,
		State:      state,
		TotalLines: len(j.lines),
		Successful: j.ok,
		Failed:     j.failed,
		ElapsedMs:  time.Since(j.startedAt).Milliseconds(),
	}
	s.mu.Unlock()

	for _, fn := range s.onSummary {
		fn(summary)
	}
}

func (s *Sequencer) emitLine(j *job, lineNo int, gcode, status string) {
	ev := protocol.LineResultPayload{
		MachineID:  j.machineID,
		JobID:      j.jobID,
		LineNumber: lineNo,
		TotalLines: len(j.lines),
		Gcode:      gcode,
		Status:     status,
	}
	for _, fn := range s.onLine {
		fn(ev)
	}
}
