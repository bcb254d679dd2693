package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomlabs/loom/internal/common/config"
	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/internal/runner/cliargs"
	"github.com/loomlabs/loom/pkg/protocol"
	"go.uber.org/zap"
)

// Registry owns the sessionId -> live client map for one runner. At any time
// a session id maps to at most one live session.
type Registry struct {
	cfg    *config.RunnerConfig
	sink   Sink
	logger *logger.Logger

	onPermission PermissionFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *config.RunnerConfig, sink Sink, onPermission PermissionFunc, log *logger.Logger) *Registry {
	return &Registry{
		cfg:          cfg,
		sink:         sink,
		logger:       log.WithFields(zap.String("component", "session-registry")),
		onPermission: onPermission,
		sessions:     make(map[string]*Session),
	}
}

// Count returns the number of live sessions (for heartbeats).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Get returns a live session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// List returns snapshots of all live sessions.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	return infos
}

// WorkDirs returns the distinct working directories of live sessions; the
// sync service uses them to exclude owned sessions from watcher emissions.
func (r *Registry) WorkDirs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var dirs []string
	for _, s := range r.sessions {
		if dir := s.WorkDir(); dir != "" && !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// OwnedSessionIDs returns the ids of sessions this runner created; the sync
// watcher skips them to avoid self-echo.
func (r *Registry) OwnedSessionIDs() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := make(map[string]bool, len(r.sessions))
	for id := range r.sessions {
		owned[id] = true
	}
	return owned
}

// StartSession validates the request, spawns the CLI, and registers the
// session. A duplicate id is rejected while the existing session lives.
func (r *Registry) StartSession(ctx context.Context, req *protocol.SessionStart) error {
	r.mu.Lock()
	if _, exists := r.sessions[req.SessionID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("session %s already exists", req.SessionID)
	}
	r.mu.Unlock()

	workDir, err := r.resolveWorkDir(req.WorkDir, req.CreateFolder)
	if err != nil {
		r.emitError(req.SessionID, err)
		return err
	}
	if !r.kindAllowed(req.CLIKind) {
		err := fmt.Errorf("CLI kind %q not enabled on this runner", req.CLIKind)
		r.emitError(req.SessionID, err)
		return err
	}

	binary, err := cliargs.LocateBinary(req.CLIKind, r.cfg.CLISearchPaths)
	if err != nil {
		r.emitError(req.SessionID, err)
		return err
	}
	args, err := cliargs.BuildArgs(req.CLIKind, req.Options)
	if err != nil {
		r.emitError(req.SessionID, err)
		return err
	}

	sess := New(Config{
		SessionID:      req.SessionID,
		Kind:           req.CLIKind,
		Variant:        req.Variant,
		WorkDir:        workDir,
		CreatedBy:      req.CreatedBy,
		Options:        req.Options,
		BinaryPath:     binary,
		Args:           args,
		ControlTimeout: r.cfg.ControlTimeout(),
		MCPTimeout:     r.cfg.MCPTimeout(),
	}, r.sink, r.onPermission, r.logger)
	sess.SetOnClosed(r.remove)

	r.mu.Lock()
	r.sessions[req.SessionID] = sess
	r.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		r.remove(req.SessionID)
		r.emitError(req.SessionID, err)
		return err
	}
	return nil
}

// HandleUserMessage routes a user turn to its session. A missing session
// with resumable state triggers auto-recovery: the CLI is restarted with its
// resume flag before the message is delivered.
func (r *Registry) HandleUserMessage(ctx context.Context, msg *protocol.UserMessage) error {
	sess, ok := r.Get(msg.SessionID)
	if !ok {
		recovered, err := r.recover(ctx, msg.SessionID)
		if err != nil {
			r.emitError(msg.SessionID, fmt.Errorf("session not found and recovery failed: %w", err))
			return err
		}
		sess = recovered
	}
	return sess.SendMessage(msg.Text)
}

// EndSession closes and removes a session; queued messages are dropped.
func (r *Registry) EndSession(ctx context.Context, sessionID string) error {
	sess, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	err := sess.Close(ctx)
	r.remove(sessionID)
	r.sink.Send(protocol.TypeStatus, &protocol.Status{
		SessionID: sessionID,
		Status:    protocol.StatusOffline,
	})
	return err
}

// Interrupt forwards an interrupt to a session.
func (r *Registry) Interrupt(ctx context.Context, sessionID string) error {
	sess, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return sess.Interrupt(ctx)
}

// SetPermissionMode switches a session's CLI permission mode.
func (r *Registry) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	sess, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return sess.SetPermissionMode(ctx, mode)
}

// SetModel switches a session's CLI model.
func (r *Registry) SetModel(ctx context.Context, sessionID, model string) error {
	sess, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return sess.SetModel(ctx, model)
}

// CloseAll ends every session, used on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.Close(closeCtx); err != nil {
			r.logger.Warn("failed to close session", zap.String("session_id", s.ID()), zap.Error(err))
		}
		cancel()
	}
}

// recover restarts a session whose process died but whose vendor-side state
// survives, by resuming the vendor session with the same id.
func (r *Registry) recover(ctx context.Context, sessionID string) (*Session, error) {
	workDir := r.cfg.DefaultWorkspace
	if workDir == "" {
		return nil, fmt.Errorf("no default workspace configured")
	}

	r.logger.Info("attempting session auto-recovery", zap.String("session_id", sessionID))
	req := &protocol.SessionStart{
		SessionID: sessionID,
		CLIKind:   protocol.CLIClaude,
		WorkDir:   workDir,
		Options: protocol.SessionOptions{
			ResumeSessionID:    sessionID,
			IncludePartialMsgs: true,
		},
	}
	if err := r.StartSession(ctx, req); err != nil {
		return nil, err
	}
	sess, ok := r.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("recovered session vanished")
	}
	return sess, nil
}

func (r *Registry) resolveWorkDir(dir string, create bool) (string, error) {
	if dir == "" {
		dir = r.cfg.DefaultWorkspace
	}
	if dir == "" {
		return "", fmt.Errorf("no working directory given and no default workspace configured")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("invalid working directory %q: %w", dir, err)
	}

	stat, err := os.Stat(abs)
	switch {
	case err == nil:
		if !stat.IsDir() {
			return "", fmt.Errorf("working directory %q is not a directory", abs)
		}
	case os.IsNotExist(err):
		if !create {
			return "", fmt.Errorf("working directory %q does not exist", abs)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return "", fmt.Errorf("failed to create working directory %q: %w", abs, err)
		}
	default:
		return "", fmt.Errorf("failed to stat working directory %q: %w", abs, err)
	}
	return abs, nil
}

func (r *Registry) kindAllowed(kind protocol.CLIKind) bool {
	for _, k := range r.cfg.CLIKinds {
		if protocol.CLIKind(k) == kind {
			return true
		}
	}
	return false
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *Registry) emitError(sessionID string, err error) {
	r.logger.Warn("session error", zap.String("session_id", sessionID), zap.Error(err))
	r.sink.Send(protocol.TypeStatus, &protocol.Status{
		SessionID: sessionID,
		Status:    protocol.StatusError,
		Message:   err.Error(),
	})
}
