// Package hub tracks websocket connections and routes protocol messages
// between web dashboards and machine controllers.
package hub

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tindale/gantry/internal/ledger"
	"github.com/tindale/gantry/internal/machines"
	"github.com/tindale/gantry/internal/protocol"
)

// JobController is the subset of the sequencer the hub dispatches to.
// Defined as an interface to avoid an import cycle: the sequencer delivers
// lines through the hub.
type JobController interface {
	// Offer routes an inbound acknowledgment to the active job, returning
	// false when no job is awaiting it.
	Offer(machineID string, resp protocol.GcodeResponsePayload) bool

	// Start begins sequencing a G-code program and returns the job id.
	Start(machineID, jobID, gcode string) (string, error)

	// Stop halts the active job, returning false when no such job exists.
	Stop(machineID, jobID string) bool
}

// Hub is the connection registry and message broker.
type Hub struct {
	table  *machines.Table
	ledger *ledger.Ledger

	mu        sync.Mutex
	clients   map[*Client]bool
	byMachine map[string]*Client // authoritative machine connection per id

	jobsMu sync.Mutex
	jobs   JobController
}

// New creates a hub over the given status table and ledger, and subscribes
// to the table's change events for web fan-out.
func New(table *machines.Table, led *ledger.Ledger) *Hub {
	h := &Hub{
		table:     table,
		ledger:    led,
		clients:   make(map[*Client]bool),
		byMachine: make(map[string]*Client),
	}
	table.OnChange(func(c machines.Change) {
		h.BroadcastWeb(protocol.MustMarshal(protocol.TypeMachineStatusUpdate, map[string]any{
			"machineId": c.MachineID,
			"status":    c.Record,
		}))
	})
	return h
}

// SetJobs wires the sequencer in after construction (the sequencer needs
// the hub first, for line delivery).
func (h *Hub) SetJobs(jc JobController) {
	h.jobsMu.Lock()
	defer h.jobsMu.Unlock()
	h.jobs = jc
}

func (h *Hub) jobController() JobController {
	h.jobsMu.Lock()
	defer h.jobsMu.Unlock()
	return h.jobs
}

// ServeConn registers a new websocket connection and pumps its messages
// until it closes. It blocks for the life of the connection; callers run
// it from the HTTP handler goroutine.
func (h *Hub) ServeConn(conn *websocket.Conn, role protocol.Role, clientID string) {
	if clientID == "" {
		clientID = "client-" + uuid.NewString()
	}

	c := &Client{
		conn:        conn,
		role:        role,
		id:          clientID,
		connectedAt: time.Now(),
		send:        make(chan []byte, sendQueueSize),
	}

	h.register(c)
	go c.writePump()

	log.Printf("hub: %s client connected: %s (total %d)", role, clientID, h.ConnectedCount())

	// Web clients get the roster snapshot before anything else.
	if role == protocol.RoleWeb {
		c.SafeSend(protocol.MustMarshal(protocol.TypeInitialMachineStatus, h.table.Snapshot()))
	}
	c.SafeSend(protocol.MustMarshal(protocol.TypeConnectionEstablished, protocol.ConnectionEstablishedPayload{
		ClientID:   clientID,
		ClientType: role,
		Timestamp:  protocol.Now(),
		Message:    fmt.Sprintf("Connected to Gantry broker as %s", role),
	}))

	h.readPump(c)
}

// readPump reads frames until the connection errors or closes, dispatching
// each one. Per-message handler errors never tear the connection down.
func (h *Hub) readPump(c *Client) {
	defer func() {
		h.unregister(c)
		c.Close()
		log.Printf("hub: %s client disconnected: %s (total %d)", c.role, c.id, h.ConnectedCount())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(c, raw)
	}
}

// register adds a connection to the registry. A machine connection with an
// id already routed supersedes the older connection's routing entry; the
// older connection stays registered until it closes on its own.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	if c.role == protocol.RoleMachine {
		h.byMachine[c.id] = c
	}
}

// unregister removes a connection. Idempotent. The machine routing entry
// is cleared only if this connection still owns it, and the machine is
// demoted immediately rather than waiting for the staleness sweep.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	demote := false
	if c.role == protocol.RoleMachine && h.byMachine[c.id] == c {
		delete(h.byMachine, c.id)
		demote = true
	}
	h.mu.Unlock()

	if demote {
		h.table.MarkDisconnected(c.id)
	}
}

// BroadcastWeb fans data out to every web connection. Closed connections
// found during iteration are pruned; that is cleanup, not an error.
func (h *Hub) BroadcastWeb(data []byte) {
	h.mu.Lock()
	var stale []*Client
	for c := range h.clients {
		if c.role != protocol.RoleWeb {
			continue
		}
		if c.closed.Load() {
			stale = append(stale, c)
			continue
		}
		c.SafeSend(data)
	}
	for _, c := range stale {
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// SendGcode delivers one line to a machine connection, resolving network
// address aliases. The returned job id is the caller's, or a generated one
// when absent. Routing failures are errors for the requester alone.
func (h *Hub) SendGcode(machineID, gcode string, lineNumber int, jobID string) (resolvedID, usedJobID string, err error) {
	resolvedID = h.table.ResolveAddress(machineID)
	usedJobID = jobID
	if usedJobID == "" {
		usedJobID = "job-" + uuid.NewString()
	}

	data := protocol.MustMarshal(protocol.TypeGcodeCommand, protocol.GcodeCommandPayload{
		Gcode:      gcode,
		LineNumber: lineNumber,
		JobID:      usedJobID,
		Timestamp:  protocol.Now(),
	})

	h.mu.Lock()
	target, ok := h.byMachine[resolvedID]
	h.mu.Unlock()

	if !ok || !target.SafeSend(data) {
		return resolvedID, usedJobID, fmt.Errorf("hub: machine %s not connected", resolvedID)
	}
	return resolvedID, usedJobID, nil
}

// StartJob hands a G-code program to the sequencer, resolving address
// aliases and generating a job id when the caller omits one.
func (h *Hub) StartJob(machineID, jobID, gcode string) (string, error) {
	jc := h.jobController()
	if jc == nil {
		return "", fmt.Errorf("hub: job sequencing is not enabled")
	}
	if jobID == "" {
		jobID = "job-" + uuid.NewString()
	}
	return jc.Start(h.table.ResolveAddress(machineID), jobID, gcode)
}

// StopJob stops the active job on a machine. Returns false when no
// matching job is running.
func (h *Hub) StopJob(machineID, jobID string) bool {
	jc := h.jobController()
	if jc == nil {
		return false
	}
	return jc.Stop(h.table.ResolveAddress(machineID), jobID)
}

// ConnectedCount returns the number of live connections of all roles.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
