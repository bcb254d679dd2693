// Package session hosts live CLI sessions on a runner: one subprocess, one
// stream-json client, and one streaming state machine per session, plus the
// registry that owns them.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/internal/runner/proc"
	"github.com/loomlabs/loom/pkg/claudecode"
	"github.com/loomlabs/loom/pkg/protocol"
	"go.uber.org/zap"
)

// readyGraceDelay is how long after the first successful stdin write the
// session is considered ready if the CLI's init message has not arrived yet.
const readyGraceDelay = 100 * time.Millisecond

// Sink delivers envelopes to the gateway. Sends fail fast with false while
// the transport is down.
type Sink interface {
	Send(t protocol.EnvelopeType, payload any) bool
}

// PermissionFunc receives can_use_tool control requests for bridging.
type PermissionFunc func(sess *Session, requestID string, req *claudecode.ControlRequest)

// Config describes one session to start.
type Config struct {
	SessionID string
	Kind      protocol.CLIKind
	Variant   protocol.PluginVariant
	WorkDir   string
	CreatedBy string
	Options   protocol.SessionOptions

	BinaryPath string
	Args       []string

	ControlTimeout time.Duration
	MCPTimeout     time.Duration
}

// Info is a point-in-time snapshot for the HTTP API and heartbeats.
type Info struct {
	SessionID   string                 `json:"sessionId"`
	Kind        protocol.CLIKind       `json:"cliKind"`
	Variant     protocol.PluginVariant `json:"variant,omitempty"`
	WorkDir     string                 `json:"workDir"`
	Status      protocol.SessionStatus `json:"status"`
	CurrentTool string                 `json:"currentTool,omitempty"`
	Model       string                 `json:"model,omitempty"`
	CreatedBy   string                 `json:"createdBy,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	PID         int                    `json:"pid,omitempty"`
}

// Session is one live CLI conversation. All stdin writes are serialized
// through the subprocess channel's queue; state mutations go through mu.
type Session struct {
	cfg    Config
	logger *logger.Logger
	sink   Sink

	channel *proc.Channel
	client  *claudecode.Client
	stream  *streamState

	onPermission PermissionFunc
	onClosed     func(sessionID string)

	mu           sync.Mutex
	status       protocol.SessionStatus
	currentTool  string
	queue        []string
	model        string
	tools        []string
	cliSessionID string
	closed       bool

	readyOnce sync.Once
	createdAt time.Time
	cancel    context.CancelFunc
}

// New creates a session; Start spawns the CLI.
func New(cfg Config, sink Sink, onPermission PermissionFunc, log *logger.Logger) *Session {
	s := &Session{
		cfg:          cfg,
		sink:         sink,
		onPermission: onPermission,
		logger:       log.WithSessionID(cfg.SessionID).WithFields(zap.String("cli_kind", string(cfg.Kind))),
		status:       protocol.StatusStarting,
		createdAt:    time.Now().UTC(),
	}
	s.stream = newStreamState(cfg.SessionID, streamEvents{
		onOutput:   s.emitOutput,
		onStatus:   s.setStatus,
		onMetadata: s.emitMetadata,
	})
	return s
}

// SetOnClosed registers the registry cleanup callback.
func (s *Session) SetOnClosed(fn func(sessionID string)) {
	s.onClosed = fn
}

// Start spawns the CLI subprocess and wires the stream-json client to it.
func (s *Session) Start(ctx context.Context) error {
	s.channel = proc.New(proc.Config{
		Path: s.cfg.BinaryPath,
		Args: s.cfg.Args,
		Dir:  s.cfg.WorkDir,
		Env:  s.cfg.Options.Env,
	})
	if err := s.channel.Start(ctx); err != nil {
		s.setStatus(protocol.StatusError, "")
		return err
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.client = claudecode.NewClient(s.channel, s.channel.Stdout(), s.logger)
	s.client.SetMessageHandler(s.handleMessage)
	s.client.SetRequestHandler(s.handleControlRequest)
	<-s.client.Start(clientCtx)

	go s.watchExit()

	s.logger.Info("session started",
		zap.String("workdir", s.cfg.WorkDir),
		zap.Int("pid", s.channel.PID()))
	return nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.SessionID }

// Kind returns the CLI vendor.
func (s *Session) Kind() protocol.CLIKind { return s.cfg.Kind }

// WorkDir returns the session working directory.
func (s *Session) WorkDir() string { return s.cfg.WorkDir }

// Status returns the current lifecycle state.
func (s *Session) Status() protocol.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns an Info for listings.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		SessionID:   s.cfg.SessionID,
		Kind:        s.cfg.Kind,
		Variant:     s.cfg.Variant,
		WorkDir:     s.cfg.WorkDir,
		Status:      s.status,
		CurrentTool: s.currentTool,
		Model:       s.model,
		CreatedBy:   s.cfg.CreatedBy,
		CreatedAt:   s.createdAt,
	}
	if s.channel != nil {
		info.PID = s.channel.PID()
	}
	return info
}

// SendMessage delivers a user turn. While a previous turn is still
// processing the message is queued and drained FIFO on the next result.
func (s *Session) SendMessage(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return proc.ErrChannelClosed
	}
	if s.status == protocol.StatusWorking || s.status == protocol.StatusWaiting {
		s.queue = append(s.queue, text)
		n := len(s.queue)
		s.mu.Unlock()
		s.logger.Debug("queued message while busy", zap.Int("queue_len", n))
		return nil
	}
	s.mu.Unlock()

	if err := s.client.SendUserMessage(text); err != nil {
		return err
	}
	s.setStatus(protocol.StatusWorking, "")

	// The init message can lag; a session that accepted a write is usable.
	time.AfterFunc(readyGraceDelay, s.markReady)
	return nil
}

// Interrupt is the Ctrl-C equivalent for the current turn.
func (s *Session) Interrupt(ctx context.Context) error {
	return s.client.Interrupt(ctx, s.cfg.ControlTimeout)
}

// SetPermissionMode switches the CLI permission mode mid-session.
func (s *Session) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := s.client.Control(ctx, claudecode.SDKControlRequestBody{
		Subtype: claudecode.SubtypeSetPermissionMode,
		Mode:    mode,
	}, s.cfg.ControlTimeout)
	return err
}

// SetModel switches the CLI model mid-session.
func (s *Session) SetModel(ctx context.Context, model string) error {
	_, err := s.client.Control(ctx, claudecode.SDKControlRequestBody{
		Subtype: claudecode.SubtypeSetModel,
		Model:   model,
	}, s.cfg.ControlTimeout)
	return err
}

// RespondPermission writes the decision for a can_use_tool request back to
// the CLI.
func (s *Session) RespondPermission(requestID string, result *claudecode.PermissionResult) error {
	return s.client.SendControlResponse(requestID, result)
}

// Close terminates the session and its subprocess. Pending correlations fail
// with a sentinel error; queued messages are dropped.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.client.Stop()
	err := s.channel.Stop(ctx)
	s.logger.Info("session closed")
	return err
}

func (s *Session) handleMessage(msg *claudecode.CLIMessage) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.Subtype == claudecode.SystemSubtypeInit {
			s.mu.Lock()
			s.cliSessionID = msg.SessionID
			s.model = msg.Model
			s.tools = msg.Tools
			s.mu.Unlock()
			s.markReady()
		}

	case claudecode.MessageTypeStreamEvent:
		if msg.Event != nil {
			s.stream.HandleEvent(msg.Event)
		}

	case claudecode.MessageTypeAssistant:
		s.handleAssistant(msg)

	case claudecode.MessageTypeUser:
		s.handleUser(msg)

	case claudecode.MessageTypeResult:
		s.handleResult(msg)
	}
}

// handleAssistant processes a completed assistant turn. With partial
// messages enabled the text already streamed through stream_event, so only
// tool blocks are registered here.
func (s *Session) handleAssistant(msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	if msg.Message.Model != "" {
		s.mu.Lock()
		if s.model == "" {
			s.model = msg.Message.Model
		}
		s.mu.Unlock()
	}

	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if !s.cfg.Options.IncludePartialMsgs && block.Text != "" {
				s.emitOutput(protocol.Output{
					SessionID: s.cfg.SessionID,
					Kind:      protocol.OutputStdout,
					Text:      block.Text,
				})
			}
		case "thinking":
			if !s.cfg.Options.IncludePartialMsgs && block.Thinking != "" {
				s.emitOutput(protocol.Output{
					SessionID: s.cfg.SessionID,
					Kind:      protocol.OutputThinking,
					Text:      block.Thinking,
				})
			}
		case "tool_use":
			s.stream.RegisterTool(block.ID, block.Name, block.Input)
		}
	}
}

// handleUser processes echoed user messages carrying tool results.
func (s *Session) handleUser(msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		if block.Type == "tool_result" {
			s.stream.HandleToolResult(block.ToolUseID, block.Content, block.IsError)
		}
	}
}

// handleResult ends the turn: status back to idle (or error), result
// envelope out, queued messages drained.
func (s *Session) handleResult(msg *claudecode.CLIMessage) {
	status := protocol.StatusIdle
	if msg.IsError {
		status = protocol.StatusError
	}
	s.setStatus(status, "")

	s.sink.Send(protocol.TypeResult, &protocol.Result{
		SessionID:  s.cfg.SessionID,
		IsError:    msg.IsError,
		Text:       msg.GetResultString(),
		DurationMS: msg.DurationMS,
		NumTurns:   msg.NumTurns,
		CostUSD:    msg.TotalCostUSD,
	})

	s.drainQueue()
}

func (s *Session) drainQueue() {
	s.mu.Lock()
	if len(s.queue) == 0 || s.closed {
		s.mu.Unlock()
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	if err := s.client.SendUserMessage(next); err != nil {
		s.logger.Warn("failed to send queued message", zap.Error(err))
		return
	}
	s.setStatus(protocol.StatusWorking, "")
}

func (s *Session) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	switch req.Subtype {
	case claudecode.SubtypeCanUseTool:
		if s.onPermission != nil {
			s.onPermission(s, requestID, req)
			return
		}
		// No bridge: deny rather than hang the CLI.
		_ = s.client.SendControlResponse(requestID, &claudecode.PermissionResult{
			Behavior: claudecode.BehaviorDeny,
			Message:  "no permission handler configured",
		})

	case claudecode.SubtypeHookCallback:
		// Safe default: let the hook continue.
		if err := s.client.SendControlResponse(requestID, map[string]any{}); err != nil {
			s.logger.Warn("failed to answer hook callback", zap.Error(err))
		}

	case claudecode.SubtypeMCPMessage:
		go s.answerMCPMessage(requestID, req)

	default:
		// Acknowledge anything else so the CLI does not block.
		_ = s.client.SendControlResponse(requestID, map[string]any{})
	}
}

// answerMCPMessage answers an mcp_message control request with a JSON-RPC
// "method not found" error after the MCP timeout. The runner hosts no MCP
// servers of its own, but an error control response would tear down the
// server connection on the CLI side; a well-formed error result keeps it
// alive, and the delay leaves room for a local server registered on the same
// name to answer first.
func (s *Session) answerMCPMessage(requestID string, req *claudecode.ControlRequest) {
	timeout := s.cfg.MCPTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var done <-chan struct{}
	if s.channel != nil {
		done = s.channel.Done()
	}
	select {
	case <-done:
		return
	case <-timer.C:
	}

	var rpc struct {
		ID json.RawMessage `json:"id"`
	}
	if len(req.Message) > 0 {
		_ = json.Unmarshal(req.Message, &rpc)
	}
	response := map[string]any{
		"mcp_response": map[string]any{
			"jsonrpc": "2.0",
			"id":      rpc.ID,
			"error": map[string]any{
				"code":    -32601,
				"message": "method not found",
			},
		},
	}
	if err := s.client.SendControlResponse(requestID, response); err != nil {
		s.logger.Warn("failed to answer mcp message",
			zap.String("server", req.ServerName), zap.Error(err))
	}
}

// markReady emits session_ready at most once, from whichever comes first:
// the CLI's init message or the first successful write plus a grace delay.
func (s *Session) markReady() {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		model, tools := s.model, s.tools
		if s.status == protocol.StatusStarting {
			s.status = protocol.StatusReady
		}
		s.mu.Unlock()

		s.sink.Send(protocol.TypeSessionReady, &protocol.SessionReady{
			SessionID: s.cfg.SessionID,
			Model:     model,
			Tools:     tools,
			WorkDir:   s.cfg.WorkDir,
		})
		s.sink.Send(protocol.TypeStatus, &protocol.Status{
			SessionID: s.cfg.SessionID,
			Status:    protocol.StatusReady,
		})
		s.logger.Info("session ready", zap.String("model", model))
	})
}

func (s *Session) watchExit() {
	<-s.channel.Done()

	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.client.Stop()

	if !wasClosed {
		msg := "CLI process exited"
		if stderr := s.channel.RecentStderr(); len(stderr) > 0 {
			msg = msg + ": " + strings.Join(stderr, "; ")
		}
		s.logger.Error("CLI process exited unexpectedly",
			zap.Int("exit_code", s.channel.ExitCode()),
			zap.Error(s.channel.ExitErr()))
		s.setStatus(protocol.StatusError, "")
		s.sink.Send(protocol.TypeStatus, &protocol.Status{
			SessionID: s.cfg.SessionID,
			Status:    protocol.StatusError,
			Message:   truncate(msg, 500),
		})
	}

	if s.onClosed != nil {
		s.onClosed(s.cfg.SessionID)
	}
}

func (s *Session) setStatus(status protocol.SessionStatus, activity string) {
	s.mu.Lock()
	if s.status == status && activity == "" {
		s.mu.Unlock()
		return
	}
	s.status = status
	if status != protocol.StatusWorking {
		s.currentTool = ""
	}
	s.mu.Unlock()

	s.sink.Send(protocol.TypeStatus, &protocol.Status{
		SessionID: s.cfg.SessionID,
		Status:    status,
		Activity:  activity,
	})
}

func (s *Session) emitOutput(out protocol.Output) {
	if out.Kind == protocol.OutputToolUse || out.Kind == protocol.OutputEdit {
		s.mu.Lock()
		s.currentTool = out.ToolName
		s.mu.Unlock()
	}
	s.sink.Send(protocol.TypeOutput, &out)
}

func (s *Session) emitMetadata(meta protocol.Metadata) {
	s.sink.Send(protocol.TypeMetadata, &meta)
}

// queuedCount is used by tests.
func (s *Session) queuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
