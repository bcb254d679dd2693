// Package runner assembles the runner-agent: the gateway transport, the
// session registry, the permission bridge, and the transcript sync service.
package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/config"
	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/internal/runner/permission"
	"github.com/loomlabs/loom/internal/runner/session"
	syncsvc "github.com/loomlabs/loom/internal/runner/sync"
	"github.com/loomlabs/loom/internal/runner/wsclient"
	"github.com/loomlabs/loom/internal/transcript"
	"github.com/loomlabs/loom/pkg/protocol"
)

// Runner is the long-lived agent process on a CLI host.
type Runner struct {
	cfg    *config.RunnerConfig
	logger *logger.Logger

	ws       *wsclient.Client
	registry *session.Registry
	bridge   *permission.Bridge
	sync     *syncsvc.Service

	codexReader *transcript.CodexReader
}

// New wires the runner from config. Nothing is started yet.
func New(cfg *config.RunnerConfig, log *logger.Logger) (*Runner, error) {
	kinds := make([]protocol.CLIKind, 0, len(cfg.CLIKinds))
	for _, k := range cfg.CLIKinds {
		kinds = append(kinds, protocol.CLIKind(k))
	}

	ws := wsclient.New(wsclient.Config{
		URL:               cfg.BotWsURL,
		Token:             cfg.Token,
		RunnerName:        cfg.RunnerName,
		CLIKinds:          kinds,
		DefaultWorkspace:  cfg.DefaultWorkspace,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, log)

	bridge := permission.New(ws, ws.RunnerID, cfg.ApprovalTimeout(), log)
	registry := session.NewRegistry(cfg, ws, bridge.HandleControlRequest, log)
	ws.SetSessionCounter(registry.Count)

	r := &Runner{
		cfg:      cfg,
		logger:   log.WithRunnerID(ws.RunnerID()),
		ws:       ws,
		registry: registry,
		bridge:   bridge,
	}

	readers := r.buildReaders(log)
	r.sync = syncsvc.New(cfg, ws, registry, ws.RunnerID, readers, log)

	ws.SetHandler(r.handleEnvelope)
	ws.SetOnRegistered(func(reg *protocol.Registered) {
		r.logger.Info("registered with gateway",
			zap.String("runner_id", reg.RunnerID),
			zap.Bool("reclaimed", reg.Reclaimed))
	})
	return r, nil
}

// buildReaders creates one transcript reader per enabled CLI kind.
func (r *Runner) buildReaders(log *logger.Logger) []transcript.Reader {
	var readers []transcript.Reader
	for _, kind := range r.cfg.CLIKinds {
		switch protocol.CLIKind(kind) {
		case protocol.CLIClaude:
			readers = append(readers, transcript.NewClaudeReader("", log))
		case protocol.CLICodex:
			r.codexReader = transcript.NewCodexReader(r.cfg.CLISearchPaths, log)
			readers = append(readers, r.codexReader)
		case protocol.CLIGemini:
			readers = append(readers, transcript.NewGeminiReader(r.geminiRoots, log))
		}
	}
	return readers
}

// geminiRoots lists candidate Gemini project roots: the default workspace
// plus every live session workdir.
func (r *Runner) geminiRoots() []string {
	roots := r.registry.WorkDirs()
	if r.cfg.DefaultWorkspace != "" {
		roots = append(roots, r.cfg.DefaultWorkspace)
	}
	return roots
}

// Run blocks until ctx is done or the gateway rejects the runner. Sessions
// and the codex subprocess are torn down before returning.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.HTTPPort > 0 {
		go r.serveHTTP(ctx)
	}
	r.sync.Start(ctx)

	err := r.ws.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.registry.CloseAll(closeCtx)
	if r.codexReader != nil {
		if cerr := r.codexReader.Close(closeCtx); cerr != nil {
			r.logger.Warn("failed to stop codex app-server", zap.Error(cerr))
		}
	}
	return err
}

// handleEnvelope dispatches gateway envelopes. Slow operations run off the
// read goroutine so a stuck session cannot stall the transport.
func (r *Runner) handleEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSessionStart:
		var req protocol.SessionStart
		if err := env.DecodePayload(&req); err != nil {
			r.logger.Warn("bad session_start payload", zap.Error(err))
			return
		}
		go func() {
			if err := r.registry.StartSession(context.Background(), &req); err != nil {
				r.logger.Warn("session start failed",
					zap.String("session_id", req.SessionID), zap.Error(err))
			}
		}()

	case protocol.TypeUserMessage:
		var msg protocol.UserMessage
		if err := env.DecodePayload(&msg); err != nil {
			r.logger.Warn("bad user_message payload", zap.Error(err))
			return
		}
		go func() {
			if err := r.registry.HandleUserMessage(context.Background(), &msg); err != nil {
				r.logger.Warn("user message failed",
					zap.String("session_id", msg.SessionID), zap.Error(err))
			}
		}()

	case protocol.TypeSessionEnd:
		var req protocol.SessionEnd
		if err := env.DecodePayload(&req); err != nil {
			r.logger.Warn("bad session_end payload", zap.Error(err))
			return
		}
		go func() {
			r.bridge.DropSession(req.SessionID)
			if err := r.registry.EndSession(context.Background(), req.SessionID); err != nil {
				r.logger.Warn("session end failed",
					zap.String("session_id", req.SessionID), zap.Error(err))
			}
		}()

	case protocol.TypeInterrupt:
		var req protocol.Interrupt
		if err := env.DecodePayload(&req); err != nil {
			r.logger.Warn("bad interrupt payload", zap.Error(err))
			return
		}
		go func() {
			if err := r.registry.Interrupt(context.Background(), req.SessionID); err != nil {
				r.logger.Warn("interrupt failed",
					zap.String("session_id", req.SessionID), zap.Error(err))
			}
		}()

	case protocol.TypePermissionDecision:
		var decision protocol.PermissionDecision
		if err := env.DecodePayload(&decision); err != nil {
			r.logger.Warn("bad permission_decision payload", zap.Error(err))
			return
		}
		r.bridge.HandleDecision(&decision)

	case protocol.TypeSyncProjects:
		var req protocol.SyncProjects
		if err := env.DecodePayload(&req); err != nil {
			r.logger.Warn("bad sync_projects payload", zap.Error(err))
			return
		}
		go r.sync.HandleSyncProjects(context.Background(), &req)

	case protocol.TypeSyncSessions:
		var req protocol.SyncSessions
		if err := env.DecodePayload(&req); err != nil {
			r.logger.Warn("bad sync_sessions payload", zap.Error(err))
			return
		}
		go r.sync.HandleSyncSessions(context.Background(), &req)

	default:
		r.logger.Debug("ignoring envelope", zap.String("type", string(env.Type)))
	}
}
