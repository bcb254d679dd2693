package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/pkg/protocol"
)

// registerWait bounds how long a fresh connection may take to send its
// register envelope.
const registerWait = 10 * time.Second

// Registrar validates a register payload and returns the runner identity.
// reclaimed is true when the same token re-registered an existing runner.
type Registrar func(reg *protocol.Register) (runnerID string, reclaimed bool, err error)

// EnvelopeFunc receives every post-registration envelope from a runner.
type EnvelopeFunc func(ctx context.Context, runnerID string, env *protocol.Envelope)

// Hub owns all live runner connections. One connection per runner id; a
// reconnect replaces the previous socket.
type Hub struct {
	registrar    Registrar
	handler      EnvelopeFunc
	onDisconnect func(runnerID string)
	logger       *logger.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn
}

// New creates a hub. Handler and disconnect callback are set by the dispatch
// layer before serving.
func New(registrar Registrar, log *logger.Logger) *Hub {
	return &Hub{
		registrar: registrar,
		logger:    log.WithFields(zap.String("component", "runner-hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Runners authenticate by token, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// SetHandler registers the envelope dispatch function.
func (h *Hub) SetHandler(fn EnvelopeFunc) { h.handler = fn }

// SetOnDisconnect registers the connection-drop callback.
func (h *Hub) SetOnDisconnect(fn func(runnerID string)) { h.onDisconnect = fn }

// ConnectedRunners returns the ids of currently connected runners.
func (h *Hub) ConnectedRunners() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether a runner has a live connection.
func (h *Hub) IsConnected(runnerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[runnerID]
	return ok
}

// Send delivers an envelope to one runner, failing fast when it is not
// connected.
func (h *Hub) Send(runnerID string, envType protocol.EnvelopeType, payload any) bool {
	h.mu.RLock()
	conn, ok := h.conns[runnerID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return conn.Send(envType, payload)
}

// ServeWS upgrades an HTTP request and runs the register handshake: the
// first envelope must be a register; anything else closes the socket with a
// fatal error envelope.
func (h *Hub) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ws.SetReadDeadline(time.Now().Add(registerWait))
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}
	ws.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.TypeRegister {
		h.rejectAndClose(ws, "expected register envelope")
		return
	}
	var reg protocol.Register
	if err := env.DecodePayload(&reg); err != nil {
		h.rejectAndClose(ws, "bad register payload")
		return
	}

	runnerID, reclaimed, err := h.registrar(&reg)
	if err != nil {
		h.logger.Warn("runner registration rejected",
			zap.String("runner_name", reg.RunnerName), zap.Error(err))
		h.rejectAndClose(ws, err.Error())
		return
	}

	conn := newConn(runnerID, ws, h, h.logger)
	h.register(conn)

	conn.Send(protocol.TypeRegistered, &protocol.Registered{
		RunnerID:  runnerID,
		Reclaimed: reclaimed,
	})
	h.logger.Info("runner connected",
		zap.String("runner_id", runnerID), zap.Bool("reclaimed", reclaimed))

	go conn.writePump()
	conn.readPump(ctx)
}

func (h *Hub) register(conn *Conn) {
	h.mu.Lock()
	prev := h.conns[conn.RunnerID]
	h.conns[conn.RunnerID] = conn
	h.mu.Unlock()
	if prev != nil {
		// A reconnect supersedes the stale socket.
		prev.close()
	}
}

func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	current, ok := h.conns[conn.RunnerID]
	if ok && current == conn {
		delete(h.conns, conn.RunnerID)
	}
	h.mu.Unlock()
	conn.close()

	if ok && current == conn {
		h.logger.Info("runner disconnected", zap.String("runner_id", conn.RunnerID))
		if h.onDisconnect != nil {
			h.onDisconnect(conn.RunnerID)
		}
	}
}

func (h *Hub) handle(ctx context.Context, conn *Conn, env *protocol.Envelope) {
	if h.handler != nil {
		h.handler(ctx, conn.RunnerID, env)
	}
}

// rejectAndClose sends a fatal error envelope and closes the socket. The
// runner treats it as terminal and does not reconnect.
func (h *Hub) rejectAndClose(ws *websocket.Conn, message string) {
	if data, err := protocol.Encode(protocol.TypeError, &protocol.ErrorPayload{
		Message: message,
	}); err == nil {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.TextMessage, data)
	}
	ws.Close()
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
