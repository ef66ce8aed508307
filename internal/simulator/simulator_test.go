package simulator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tindale/gantry/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newBrokerStub accepts one websocket connection and hands it to the test.
func newBrokerStub(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func readType(t *testing.T, conn *websocket.Conn) (protocol.MessageType, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("broker read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env.Type, env.Data
}

func TestDialValidatesOpts(t *testing.T) {
	if _, err := Dial(context.Background(), Opts{MachineID: "cnc-01"}); err == nil {
		t.Error("expected error for missing URL")
	}
	if _, err := Dial(context.Background(), Opts{URL: "ws://localhost:1/ws"}); err == nil {
		t.Error("expected error for missing machine id")
	}
}

func TestDialAnnouncesConnection(t *testing.T) {
	srv, conns := newBrokerStub(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	m, err := Dial(context.Background(), Opts{URL: wsURL, MachineID: "cnc-01", ExecDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer m.conn.Close()

	broker := <-conns
	msgType, data := readType(t, broker)
	if msgType != protocol.TypeMachineConnection {
		t.Fatalf("expected machine_connection first, got %s", msgType)
	}
	var p protocol.MachineStatusPayload
	json.Unmarshal(data, &p)
	if p.MachineID != "cnc-01" || p.Status != "connected" {
		t.Errorf("unexpected announcement: %+v", p)
	}
}

func TestCommandsAreAcknowledged(t *testing.T) {
	srv, conns := newBrokerStub(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := Dial(ctx, Opts{
		URL:               wsURL,
		MachineID:         "laser-01",
		ExecDelay:         time.Millisecond,
		HeartbeatInterval: time.Hour, // keep heartbeats out of the way
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	go m.Run(ctx)

	broker := <-conns
	readType(t, broker) // machine_connection

	cmd := protocol.MustMarshal(protocol.TypeGcodeCommand, protocol.GcodeCommandPayload{
		Gcode:      "G0 X5",
		LineNumber: 1,
		JobID:      "job-1",
	})
	if err := broker.WriteMessage(websocket.TextMessage, cmd); err != nil {
		t.Fatalf("broker write: %v", err)
	}

	msgType, data := readType(t, broker)
	if msgType != protocol.TypeGcodeProgress {
		t.Fatalf("expected gcode_progress first, got %s", msgType)
	}

	msgType, data = readType(t, broker)
	if msgType != protocol.TypeGcodeResponse {
		t.Fatalf("expected gcode_response second, got %s", msgType)
	}
	var resp protocol.GcodeResponsePayload
	json.Unmarshal(data, &resp)
	if resp.MachineID != "laser-01" || resp.LineNumber != 1 || resp.JobID != "job-1" {
		t.Errorf("ack not correlated: %+v", resp)
	}
	if resp.Response != "OK" {
		t.Errorf("expected OK, got %q", resp.Response)
	}
}

func TestConcurrentHeartbeatsAndAcks(t *testing.T) {
	srv, conns := newBrokerStub(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A very fast heartbeat keeps the ticker goroutine writing while the
	// read loop writes command acks on the same connection.
	m, err := Dial(ctx, Opts{
		URL:               wsURL,
		MachineID:         "cnc-01",
		ExecDelay:         time.Millisecond,
		HeartbeatInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	go m.Run(ctx)

	broker := <-conns
	readType(t, broker) // machine_connection

	const total = 20
	go func() {
		for i := 1; i <= total; i++ {
			cmd := protocol.MustMarshal(protocol.TypeGcodeCommand, protocol.GcodeCommandPayload{
				Gcode:      "G1 X1",
				LineNumber: i,
				JobID:      "job-c",
			})
			broker.WriteMessage(websocket.TextMessage, cmd)
		}
	}()

	// Every frame must still parse cleanly and every ack must arrive,
	// interleaved with heartbeats.
	acked := 0
	deadline := time.Now().Add(5 * time.Second)
	for acked < total && time.Now().Before(deadline) {
		msgType, data := readType(t, broker)
		if msgType != protocol.TypeGcodeResponse {
			continue
		}
		var resp protocol.GcodeResponsePayload
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("unmarshal ack: %v", err)
		}
		if resp.JobID != "job-c" {
			t.Fatalf("ack for wrong job: %+v", resp)
		}
		acked++
	}
	if acked != total {
		t.Errorf("acks received = %d, want %d", acked, total)
	}
}

func TestErrorInjection(t *testing.T) {
	srv, conns := newBrokerStub(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := Dial(ctx, Opts{
		URL:               wsURL,
		MachineID:         "plasma-01",
		ExecDelay:         time.Millisecond,
		HeartbeatInterval: time.Hour,
		ErrorEvery:        1,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	go m.Run(ctx)

	broker := <-conns
	readType(t, broker) // machine_connection

	cmd := protocol.MustMarshal(protocol.TypeGcodeCommand, protocol.GcodeCommandPayload{
		Gcode: "M3", LineNumber: 1, JobID: "job-e",
	})
	broker.WriteMessage(websocket.TextMessage, cmd)

	readType(t, broker) // gcode_progress
	_, data := readType(t, broker)
	var resp protocol.GcodeResponsePayload
	json.Unmarshal(data, &resp)
	if !strings.HasPrefix(resp.Response, "ERROR") {
		t.Errorf("expected injected error, got %q", resp.Response)
	}
}
