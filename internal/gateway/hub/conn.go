// Package hub manages runner WebSocket connections on the gateway: the
// register handshake, per-connection read/write pumps, and routing of
// envelopes to the dispatch layer.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum envelope size allowed from a runner. Sync chunks are capped
	// below this by the runner's chunker.
	maxMessageSize = 4 * 1024 * 1024

	// Outbound buffer per runner connection.
	sendBuffer = 256
)

// Conn is one registered runner connection.
type Conn struct {
	RunnerID string

	conn   *websocket.Conn
	hub    *Hub
	logger *logger.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newConn(runnerID string, ws *websocket.Conn, h *Hub, log *logger.Logger) *Conn {
	return &Conn{
		RunnerID: runnerID,
		conn:     ws,
		hub:      h,
		send:     make(chan []byte, sendBuffer),
		logger:   log.WithRunnerID(runnerID),
	}
}

// Send encodes and queues an envelope for this runner. It fails fast with
// false when the buffer is full or the connection is gone.
func (c *Conn) Send(envType protocol.EnvelopeType, payload any) bool {
	data, err := protocol.Encode(envType, payload)
	if err != nil {
		c.logger.Error("failed to encode envelope",
			zap.String("type", string(envType)), zap.Error(err))
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("runner send buffer full, dropping envelope",
			zap.String("type", string(envType)))
		return false
	}
}

// readPump decodes envelopes off the socket and hands them to the hub's
// handler. Malformed or unknown envelopes are logged and dropped.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("runner connection read error", zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping bad envelope",
				zap.Error(err), zap.String("preview", protocol.Preview(data)))
			continue
		}
		c.hub.handle(ctx, c, env)
	}
}

// writePump drains the send buffer onto the socket.
func (c *Conn) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
