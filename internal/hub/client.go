package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tindale/gantry/internal/protocol"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// maxMessageSize caps inbound frames. G-code lines are short; anything
	// near this limit is a misbehaving client.
	maxMessageSize = 64 * 1024

	// sendQueueSize buffers outbound messages per client so one slow
	// dashboard cannot stall the broker.
	sendQueueSize = 256
)

// Client is one live websocket connection tracked by the registry.
type Client struct {
	conn        *websocket.Conn
	role        protocol.Role
	id          string
	connectedAt time.Time
	send        chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

// ID returns the client identifier supplied at connect time.
func (c *Client) ID() string { return c.id }

// Role returns the client's connection role.
func (c *Client) Role() protocol.Role { return c.role }

// SafeSend queues data for delivery without panicking on a closed client.
// It returns false when the client is closed or its buffer is full; a full
// buffer drops the message rather than block the caller.
func (c *Client) SafeSend(data []byte) (sent bool) {
	defer func() {
		// There is a window between the closed check and the send where
		// Close can run; recover instead of racing it.
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close shuts the send queue exactly once. The write pump drains what is
// queued and then closes the underlying connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

func timeNowPlusWriteWait() time.Time {
	return time.Now().Add(writeWait)
}

// writePump serializes all writes to the connection. It exits when the
// send channel is closed, issuing a close frame on the way out.
func (c *Client) writePump() {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Close()
			// Drain remaining queued messages so senders are not stuck.
			for range c.send {
			}
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "graceful_disconnect"))
}
