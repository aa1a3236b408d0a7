package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

var errClientDead = errors.New("client send buffer full or closed")

// Client wraps one WebSocket connection. Outbound frames flow through a
// buffered channel drained by a single write pump; a full buffer marks
// the client dead rather than blocking the broadcaster, which is how a
// slow consumer gets detected and dropped by the pool.
//
// Client implements pool.Subscriber.
type Client struct {
	id   string
	conn *websocket.Conn

	send chan []byte

	mu     sync.Mutex
	closed bool
}

func NewClient(conn *websocket.Conn) *Client {
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	go c.writePump()
	return c
}

func (c *Client) ID() string { return c.id }

// Send queues a serialized payload for the write pump. Returns an error
// when the client is dead so the pool can drop the subscription. The
// queue push is non-blocking, so the mutex is held across it — that keeps
// Close from racing the push onto a closed channel.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientDead
	}
	select {
	case c.send <- payload:
		return nil
	default:
		// Bounded-write policy: a consumer that cannot keep up is dead.
		slog.Warn("client send buffer overflow, dropping connection", "id", c.id)
		c.closed = true
		close(c.send)
		return errClientDead
	}
}

// SendJSON marshals and queues a payload.
func (c *Client) SendJSON(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Close shuts the write pump down and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

func (c *Client) writePump() {
	dead := false
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			slog.Debug("client write failed", "id", c.id, "error", err)
			dead = true
			break
		}
	}
	if dead {
		// Mark the client dead so the next Send errors and the pool drops
		// the subscription. Close() is a no-op once closed is set, so the
		// channel is closed here too.
		c.mu.Lock()
		if !c.closed {
			c.closed = true
			close(c.send)
		}
		c.mu.Unlock()
	}
	c.conn.Close()
	// Drain anything queued between the failed write and the close.
	for range c.send {
	}
}
