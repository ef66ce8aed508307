package hub

import (
	"encoding/json"
	"log"

	"github.com/gorilla/websocket"
	"github.com/tindale/gantry/internal/machines"
	"github.com/tindale/gantry/internal/protocol"
)

// dispatch routes one inbound frame by message type. Unknown types are
// logged and ignored so new client versions never get their connection
// torn down by an older broker.
func (h *Hub) dispatch(c *Client, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		log.Printf("hub: malformed message from %s (%s)", c.id, c.role)
		c.SafeSend(protocol.MustMarshal(protocol.TypeError, protocol.ErrorPayload{
			Message: "Invalid message format",
		}))
		return
	}

	switch env.Type {
	case protocol.TypeMachineHeartbeat:
		h.handleHeartbeat(c, env.Data)
	case protocol.TypeMachineConnection:
		h.handleMachineConnection(c, env.Data)
	case protocol.TypeGcodeProgress:
		// Relayed telemetry: fan out unmodified, retain nothing.
		h.BroadcastWeb(protocol.MustMarshal(protocol.TypeGcodeProgress, env.Data))
	case protocol.TypeGcodeResponse:
		h.handleGcodeResponse(c, env.Data)
	case protocol.TypeGcodeSend:
		h.handleGcodeSend(c, env.Data)
	case protocol.TypeGcodeJobStart:
		h.handleJobStart(c, env.Data)
	case protocol.TypeGcodeStop:
		h.handleJobStop(c, env.Data)
	case protocol.TypePing:
		c.SafeSend(protocol.MustMarshal(protocol.TypePong, protocol.PongPayload{Timestamp: protocol.Now()}))
	case protocol.TypeHealthCheck:
		c.SafeSend(protocol.MustMarshal(protocol.TypeHealthCheckResponse, protocol.HealthCheckResponsePayload{
			Timestamp:         protocol.Now(),
			ServerStatus:      "healthy",
			ConnectedMachines: h.table.OnlineCount(),
		}))
	case protocol.TypeDisconnect:
		h.handleDisconnect(c, env.Data)
	default:
		log.Printf("hub: unknown message type %q from %s", env.Type, c.id)
	}
}

// handleHeartbeat refreshes a machine's liveness. Only machine-role
// connections are trusted for heartbeats.
func (h *Hub) handleHeartbeat(c *Client, data json.RawMessage) {
	if c.role != protocol.RoleMachine {
		return
	}
	var p protocol.MachineStatusPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MachineID == "" {
		return
	}
	status := p.Status
	if status == "" {
		status = machines.StatusOnline
	}
	connected := true
	h.table.Upsert(p.MachineID, machines.Patch{
		Status:              status,
		ControllerConnected: &connected,
	}, machines.SourceHeartbeat)
}

// handleMachineConnection records an explicit connect/state announcement.
func (h *Hub) handleMachineConnection(c *Client, data json.RawMessage) {
	var p protocol.MachineStatusPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MachineID == "" {
		return
	}
	connected := p.Status == "connected" || p.Status == machines.StatusOnline
	h.table.Upsert(p.MachineID, machines.Patch{
		Status:              p.Status,
		ControllerConnected: &connected,
	}, machines.SourceConnect)
}

// handleGcodeResponse correlates a line acknowledgment with the active job,
// records it in the ledger, and relays it to web clients.
func (h *Hub) handleGcodeResponse(c *Client, data json.RawMessage) {
	var p protocol.GcodeResponsePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.MachineID == "" {
		p.MachineID = c.id
	}

	if jc := h.jobController(); jc != nil {
		if !jc.Offer(p.MachineID, p) && p.JobID != "" {
			log.Printf("hub: unmatched ack from %s (job %s, line %d)", p.MachineID, p.JobID, p.LineNumber)
		}
	}

	if p.JobID != "" && p.LineNumber > 0 {
		h.ledger.Record(p.JobID, p.LineNumber, p.MachineID, p.Response)
	}

	h.BroadcastWeb(protocol.MustMarshal(protocol.TypeGcodeResponse, p))
}

// handleGcodeSend routes a single line from a web client to its target
// machine. Delivery failures go back to the requester only.
func (h *Hub) handleGcodeSend(c *Client, data json.RawMessage) {
	if c.role != protocol.RoleWeb {
		return
	}
	var p protocol.GcodeSendPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MachineID == "" || p.Gcode == "" {
		c.SafeSend(protocol.MustMarshal(protocol.TypeError, protocol.ErrorPayload{
			Message: "Invalid message format",
		}))
		return
	}

	resolvedID, _, err := h.SendGcode(p.MachineID, p.Gcode, p.LineNumber, p.JobID)
	if err != nil {
		c.SafeSend(protocol.MustMarshal(protocol.TypeGcodeError, protocol.GcodeErrorPayload{
			Success: false,
			Error:   "Machine " + resolvedID + " not connected",
		}))
		return
	}
	c.SafeSend(protocol.MustMarshal(protocol.TypeGcodeSent, protocol.GcodeSentPayload{
		Success: true,
		Message: "G-code sent to " + resolvedID,
	}))
}

// handleJobStart begins server-side sequencing of a whole program.
func (h *Hub) handleJobStart(c *Client, data json.RawMessage) {
	var p protocol.JobStartPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MachineID == "" {
		c.SafeSend(protocol.MustMarshal(protocol.TypeError, protocol.ErrorPayload{
			Message: "Invalid message format",
		}))
		return
	}

	jobID, err := h.StartJob(p.MachineID, p.JobID, p.Gcode)
	if err != nil {
		c.SafeSend(protocol.MustMarshal(protocol.TypeGcodeError, protocol.GcodeErrorPayload{
			Success: false,
			Error:   err.Error(),
		}))
		return
	}
	c.SafeSend(protocol.MustMarshal(protocol.TypeGcodeSent, protocol.GcodeSentPayload{
		Success: true,
		Message: "Job " + jobID + " started",
	}))
}

// handleJobStop halts the active job for a machine, effective immediately.
func (h *Hub) handleJobStop(c *Client, data json.RawMessage) {
	var p protocol.StopPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MachineID == "" {
		return
	}
	stopped := h.StopJob(p.MachineID, p.JobID)
	c.SafeSend(protocol.MustMarshal(protocol.TypeGcodeSent, protocol.GcodeSentPayload{
		Success: stopped,
		Message: "Stop requested",
	}))
}

// handleDisconnect closes the connection with a normal-closure code. This
// is a deliberate departure; the close handler does the demotion.
func (h *Hub) handleDisconnect(c *Client, data json.RawMessage) {
	// The reason is informational only; a missing or malformed payload
	// still gets the graceful close.
	var p protocol.DisconnectPayload
	_ = json.Unmarshal(data, &p)
	log.Printf("hub: client %s requested disconnect: %s", c.id, p.Reason)

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "graceful_disconnect"),
		timeNowPlusWriteWait())
	c.Close()
	c.conn.Close()
}
