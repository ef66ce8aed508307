// Package simulator implements a fake machine controller that speaks the
// broker's websocket protocol. It exists for demos and end-to-end testing
// against a broker with no hardware attached.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tindale/gantry/internal/protocol"
)

// Opts configures a simulated machine.
type Opts struct {
	// URL is the broker websocket endpoint, e.g. ws://localhost:8081/ws.
	URL string

	// MachineID is the identity announced to the broker.
	MachineID string

	// HeartbeatInterval between machine_heartbeat frames. Defaults to 5s.
	HeartbeatInterval time.Duration

	// ExecDelay simulates the controller executing a line before it acks.
	// Defaults to 200ms.
	ExecDelay time.Duration

	// ErrorEvery makes every Nth line ack with an ERROR response. Zero
	// disables error injection.
	ErrorEvery int
}

// Machine is a running simulated controller.
type Machine struct {
	opts  Opts
	conn  *websocket.Conn
	lines atomic.Int64

	// writeMu serializes outbound frames: heartbeats and command acks are
	// written from different goroutines, and the connection allows only
	// one writer at a time.
	writeMu sync.Mutex
}

// Dial connects the simulated machine to the broker and announces itself.
func Dial(ctx context.Context, opts Opts) (*Machine, error) {
	if opts.URL == "" || opts.MachineID == "" {
		return nil, fmt.Errorf("simulator: url and machine id are required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.ExecDelay <= 0 {
		opts.ExecDelay = 200 * time.Millisecond
	}

	url := fmt.Sprintf("%s?type=machine&id=%s", opts.URL, opts.MachineID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("simulator: dial %s: %w", opts.URL, err)
	}

	m := &Machine{opts: opts, conn: conn}
	if err := m.send(protocol.TypeMachineConnection, protocol.MachineStatusPayload{
		MachineID: opts.MachineID,
		Status:    "connected",
	}); err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

// Run pumps heartbeats and answers G-code commands until ctx is cancelled
// or the connection drops.
func (m *Machine) Run(ctx context.Context) error {
	defer m.conn.Close()

	done := make(chan error, 1)
	go func() { done <- m.readLoop() }()

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "simulator shutdown"),
				time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-done:
			return err
		case <-ticker.C:
			if err := m.send(protocol.TypeMachineHeartbeat, protocol.MachineStatusPayload{
				MachineID: m.opts.MachineID,
				Status:    "online",
			}); err != nil {
				return err
			}
		}
	}
}

func (m *Machine) readLoop() error {
	for {
		_, raw, err := m.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("simulator: read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.Type != protocol.TypeGcodeCommand {
			continue
		}

		var cmd protocol.GcodeCommandPayload
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			continue
		}
		m.execute(cmd)
	}
}

// execute acknowledges receipt, simulates execution time, then acks the
// line back to the broker.
func (m *Machine) execute(cmd protocol.GcodeCommandPayload) {
	n := m.lines.Add(1)
	log.Printf("simulator %s: line %d: %s", m.opts.MachineID, cmd.LineNumber, cmd.Gcode)

	m.send(protocol.TypeGcodeProgress, map[string]any{
		"machine_id":  m.opts.MachineID,
		"line_number": cmd.LineNumber,
		"jobId":       cmd.JobID,
		"status":      "RECEIVED",
		"timestamp":   protocol.Now(),
	})

	started := time.Now()
	time.Sleep(m.opts.ExecDelay)

	response := "OK"
	if m.opts.ErrorEvery > 0 && n%int64(m.opts.ErrorEvery) == 0 {
		response = "ERROR: simulated fault"
	}
	m.send(protocol.TypeGcodeResponse, protocol.GcodeResponsePayload{
		MachineID:       m.opts.MachineID,
		LineNumber:      cmd.LineNumber,
		JobID:           cmd.JobID,
		Response:        response,
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	})
}

func (m *Machine) send(msgType protocol.MessageType, payload any) error {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("simulator: write: %w", err)
	}
	return nil
}
