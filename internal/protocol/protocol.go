// Package protocol defines the wire envelope and payload types exchanged
// between web dashboards, machine controllers, and the broker.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the class of a connected client.
type Role string

const (
	// RoleWeb is a browser dashboard connection.
	RoleWeb Role = "web"
	// RoleMachine is an embedded machine controller connection.
	RoleMachine Role = "machine"
)

// ParseRole maps a connection query parameter to a Role, defaulting to web.
func ParseRole(s string) Role {
	if s == string(RoleMachine) {
		return RoleMachine
	}
	return RoleWeb
}

// MessageType identifies the kind of a websocket message.
type MessageType string

// Inbound message types.
const (
	TypeMachineHeartbeat  MessageType = "machine_heartbeat"
	TypeMachineConnection MessageType = "machine_connection"
	TypeGcodeProgress     MessageType = "gcode_progress"
	TypeGcodeResponse     MessageType = "gcode_response"
	TypeGcodeSend         MessageType = "gcode_send"
	TypeGcodeJobStart     MessageType = "gcode_job_start"
	TypeGcodeStop         MessageType = "gcode_stop"
	TypePing              MessageType = "ping"
	TypeHealthCheck       MessageType = "health_check"
	TypeDisconnect        MessageType = "disconnect"
)

// Outbound message types.
const (
	TypeConnectionEstablished MessageType = "connection_established"
	TypeInitialMachineStatus  MessageType = "initial_machine_status"
	TypeMachineStatusUpdate   MessageType = "machine_status_update"
	TypeGcodeCommand          MessageType = "gcode_command"
	TypeGcodeSent             MessageType = "gcode_sent"
	TypeGcodeError            MessageType = "gcode_error"
	TypeJobLineResult         MessageType = "job_line_result"
	TypeJobSummary            MessageType = "job_summary"
	TypePong                  MessageType = "pong"
	TypeHealthCheckResponse   MessageType = "health_check_response"
	TypeError                 MessageType = "error"
)

// Envelope is the outer shape of every websocket message.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Marshal builds a wire-ready message from a type and payload.
func Marshal(t MessageType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
	}
	b, err := json.Marshal(Envelope{Type: t, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s envelope: %w", t, err)
	}
	return b, nil
}

// MustMarshal is Marshal for payloads that cannot fail (internally built
// structs and maps). It panics on error.
func MustMarshal(t MessageType, data any) []byte {
	b, err := Marshal(t, data)
	if err != nil {
		panic(err)
	}
	return b
}

// MachineStatusPayload is sent by controllers as machine_heartbeat and
// machine_connection messages.
type MachineStatusPayload struct {
	MachineID   string `json:"machine_id"`
	MachineName string `json:"machine_name,omitempty"`
	Status      string `json:"status,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
}

// GcodeSendPayload is a web client's request to deliver one G-code line.
type GcodeSendPayload struct {
	MachineID  string `json:"machineId"`
	Gcode      string `json:"gcode"`
	LineNumber int    `json:"lineNumber"`
	JobID      string `json:"jobId"`
}

// GcodeCommandPayload is the line delivery sent to a machine controller.
type GcodeCommandPayload struct {
	Gcode      string `json:"gcode"`
	LineNumber int    `json:"lineNumber"`
	JobID      string `json:"jobId"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// GcodeResponsePayload is a controller's acknowledgment for one line.
type GcodeResponsePayload struct {
	MachineID       string `json:"machine_id"`
	LineNumber      int    `json:"line_number"`
	JobID           string `json:"jobId"`
	Response        string `json:"response"` // "OK" or "ERROR"
	ExecutionTimeMs int64  `json:"execution_time_ms,omitempty"`
}

// JobStartPayload is a web client's request to sequence a whole G-code
// program against one machine.
type JobStartPayload struct {
	MachineID string `json:"machineId"`
	Gcode     string `json:"gcode"`
	JobID     string `json:"jobId,omitempty"`
}

// StopPayload is a web client's request to halt an active job.
type StopPayload struct {
	MachineID string `json:"machineId"`
	JobID     string `json:"jobId"`
}

// DisconnectPayload carries the informational reason for a graceful close.
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ConnectionEstablishedPayload is the welcome message sent on every new
// connection.
type ConnectionEstablishedPayload struct {
	ClientID   string `json:"clientId"`
	ClientType Role   `json:"clientType"`
	Timestamp  string `json:"timestamp"`
	Message    string `json:"message"`
}

// GcodeSentPayload confirms a routed line back to the requester.
type GcodeSentPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// GcodeErrorPayload reports a routing failure back to the requester only.
type GcodeErrorPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Timestamp string `json:"timestamp"`
}

// HealthCheckResponsePayload reports aggregate broker health.
type HealthCheckResponsePayload struct {
	Timestamp         string `json:"timestamp"`
	ServerStatus      string `json:"server_status"`
	ConnectedMachines int    `json:"connected_machines"`
}

// ErrorPayload reports a protocol error to the offending connection.
type ErrorPayload struct {
	Message string `json:"message"`
}

// LineResultPayload reports one sequenced line's outcome to web clients.
type LineResultPayload struct {
	MachineID  string `json:"machine_id"`
	JobID      string `json:"jobId"`
	LineNumber int    `json:"line_number"`
	TotalLines int    `json:"total_lines"`
	Gcode      string `json:"gcode"`
	Status     string `json:"status"` // sending, ok, error, timeout
}

// JobSummaryPayload reports a job's terminal outcome to web clients.
type JobSummaryPayload struct {
	MachineID  string `json:"machine_id"`
	JobID      string `json:"jobId"`
	State      string `json:"state"` // completed, stopped, failed
	TotalLines int    `json:"total_lines"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// Now formats the current time the way the wire format expects.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
