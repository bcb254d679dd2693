// Package wsclient maintains the runner's WebSocket connection to the gateway:
// registration on open, heartbeats, and fixed-delay reconnect on close.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/pkg/protocol"
	"go.uber.org/zap"
)

// ErrGatewayRejected wraps a gateway error envelope; it is fatal for the runner.
var ErrGatewayRejected = errors.New("gateway rejected registration")

// Config holds the transport settings.
type Config struct {
	URL              string
	Token            string
	RunnerName       string
	CLIKinds         []protocol.CLIKind
	DefaultWorkspace string

	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
}

// EnvelopeHandler receives every non-handshake envelope from the gateway.
type EnvelopeHandler func(env *protocol.Envelope)

// Client is the runner-side WebSocket client. One instance lives for the
// runner's whole lifetime; the underlying connection comes and goes.
type Client struct {
	cfg    Config
	logger *logger.Logger

	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	writeMu   sync.Mutex

	handler      EnvelopeHandler
	onRegistered func(reg *protocol.Registered)
	sessionCount func() int

	runnerID string
	idMu     sync.RWMutex
}

// New creates a client. The runner ID is derived locally so callers can use
// it before the first registered ack arrives.
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "wsclient")),
	}
	c.runnerID = protocol.DeriveRunnerID(cfg.RunnerName, cfg.Token)
	return c
}

// SetHandler sets the envelope dispatch handler.
func (c *Client) SetHandler(handler EnvelopeHandler) {
	c.handler = handler
}

// SetOnRegistered sets the callback invoked after each successful handshake.
func (c *Client) SetOnRegistered(fn func(reg *protocol.Registered)) {
	c.onRegistered = fn
}

// SetSessionCounter sets the source for the heartbeat's session count.
func (c *Client) SetSessionCounter(fn func() int) {
	c.sessionCount = fn
}

// RunnerID returns the derived runner identity.
func (c *Client) RunnerID() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.runnerID
}

// IsConnected reports whether a registered connection is up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Run connects and serves until ctx is cancelled or the gateway rejects the
// runner. Disconnects reconnect with a fixed delay; registration rejection
// is fatal.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		if err != nil && errors.Is(err, ErrGatewayRejected) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("connection lost, reconnecting",
				zap.Error(err),
				zap.Duration("delay", c.cfg.ReconnectInterval))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// Send encodes and writes one envelope. It fails fast with false while
// disconnected; callers decide whether to retry or surface.
func (c *Client) Send(envType protocol.EnvelopeType, payload any) bool {
	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return false
	}

	line, err := protocol.Encode(envType, payload)
	if err != nil {
		c.logger.Error("failed to encode envelope", zap.String("type", string(envType)), zap.Error(err))
		return false
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, line)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("failed to send envelope", zap.String("type", string(envType)), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		c.connected = false
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	c.logger.Info("connected to gateway", zap.String("url", c.cfg.URL))

	if !c.Send(protocol.TypeRegister, &protocol.Register{
		RunnerName:       c.cfg.RunnerName,
		Token:            c.cfg.Token,
		CLIKinds:         c.cfg.CLIKinds,
		DefaultWorkspace: c.cfg.DefaultWorkspace,
	}) {
		return fmt.Errorf("failed to send register")
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(hbCtx)

	// Close the connection when ctx ends so the blocking read returns.
	go func() {
		<-hbCtx.Done()
		conn.Close()
	}()

	return c.readLoop(ctx, conn)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("gateway closed connection")
			}
			return fmt.Errorf("read error: %w", err)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// Malformed and unknown envelopes are logged and dropped,
			// never fatal.
			c.logger.Warn("dropping envelope",
				zap.Error(err),
				zap.String("preview", protocol.Preview(data)))
			continue
		}

		switch env.Type {
		case protocol.TypeRegistered:
			var reg protocol.Registered
			if err := env.DecodePayload(&reg); err != nil {
				c.logger.Warn("bad registered payload", zap.Error(err))
				continue
			}
			c.idMu.Lock()
			c.runnerID = reg.RunnerID
			c.idMu.Unlock()
			c.logger.Info("registered with gateway",
				zap.String("runner_id", reg.RunnerID),
				zap.Bool("reclaimed", reg.Reclaimed))
			if c.onRegistered != nil {
				c.onRegistered(&reg)
			}

		case protocol.TypeError:
			var ep protocol.ErrorPayload
			_ = env.DecodePayload(&ep)
			return fmt.Errorf("%w: %s", ErrGatewayRejected, ep.Message)

		default:
			if c.handler != nil {
				c.handler(env)
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions := 0
			if c.sessionCount != nil {
				sessions = c.sessionCount()
			}
			c.Send(protocol.TypeHeartbeat, &protocol.Heartbeat{
				RunnerID: c.RunnerID(),
				CLIKinds: c.cfg.CLIKinds,
				Sessions: sessions,
			})
		}
	}
}
