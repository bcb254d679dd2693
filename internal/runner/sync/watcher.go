// Package sync watches on-disk transcript stores and streams discovered or
// updated sessions to the gateway, plus the explicit whole-store sync
// operations.
package sync

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/internal/transcript"
)

// Adaptive polling intervals. The watcher polls fast while the store is
// changing and backs off as it goes quiet.
const (
	pollActive = 2 * time.Second
	pollRecent = 10 * time.Second
	pollIdle   = 60 * time.Second

	activeWindow = 30 * time.Second
	recentWindow = 5 * time.Minute
)

// WatcherConfig wires one SessionWatcher to its project.
type WatcherConfig struct {
	ProjectPath string

	// WatchDir is the directory fsnotify subscribes to. Empty means polling
	// only.
	WatchDir string

	// List returns current session metadata for the project.
	List func(ctx context.Context) ([]transcript.SessionRef, error)

	// IsOwned reports whether this runner created the session; owned
	// sessions are excluded to prevent self-echo.
	IsOwned func(sessionID string) bool

	OnDiscovered func(ref transcript.SessionRef)
	OnUpdated    func(ref transcript.SessionRef)
}

// SessionWatcher tracks one project directory. It prefers OS file
// notifications and degrades to adaptive polling when they are unavailable.
type SessionWatcher struct {
	cfg    WatcherConfig
	logger *logger.Logger

	lastKnown    map[string]time.Time
	lastActivity time.Time
	baselined    bool
}

// NewSessionWatcher creates a watcher; Run drives it.
func NewSessionWatcher(cfg WatcherConfig, log *logger.Logger) *SessionWatcher {
	return &SessionWatcher{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("project", cfg.ProjectPath)),
		lastKnown: make(map[string]time.Time),
	}
}

// Run blocks until ctx is done. The first check is a baseline pass: it
// records what already exists without emitting, so attaching a watcher to an
// old store does not replay history.
func (w *SessionWatcher) Run(ctx context.Context) {
	w.check(ctx)

	if w.cfg.WatchDir != "" {
		if err := w.runNotify(ctx); err != nil {
			w.logger.Warn("file notifications unavailable, falling back to polling",
				zap.Error(err))
		} else {
			return
		}
	}
	w.runPoll(ctx)
}

func (w *SessionWatcher) runNotify(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.cfg.WatchDir); err != nil {
		return err
	}
	w.logger.Debug("watching via fsnotify", zap.String("dir", w.cfg.WatchDir))

	// Events are debounced: bursts of writes collapse into one check.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events:
			if !ok {
				return context.Canceled
			}
			if pending == nil {
				pending = time.After(500 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return context.Canceled
			}
			w.logger.Warn("watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			w.check(ctx)
		}
	}
}

func (w *SessionWatcher) runPoll(ctx context.Context) {
	timer := time.NewTimer(w.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.check(ctx)
			timer.Reset(w.interval())
		}
	}
}

// interval picks the polling cadence from recent activity.
func (w *SessionWatcher) interval() time.Duration {
	since := time.Since(w.lastActivity)
	switch {
	case since < activeWindow:
		return pollActive
	case since < recentWindow:
		return pollRecent
	default:
		return pollIdle
	}
}

// check diffs the current session list against lastKnown and emits for
// not-owned sessions that appeared or changed.
func (w *SessionWatcher) check(ctx context.Context) {
	refs, err := w.cfg.List(ctx)
	if err != nil {
		w.logger.Warn("failed to list sessions", zap.Error(err))
		return
	}

	for _, ref := range refs {
		prev, known := w.lastKnown[ref.SessionID]
		w.lastKnown[ref.SessionID] = ref.UpdatedAt
		if !w.baselined {
			continue
		}
		if w.cfg.IsOwned != nil && w.cfg.IsOwned(ref.SessionID) {
			continue
		}
		switch {
		case !known:
			w.lastActivity = time.Now()
			w.cfg.OnDiscovered(ref)
		case ref.UpdatedAt.After(prev):
			w.lastActivity = time.Now()
			w.cfg.OnUpdated(ref)
		}
	}
	w.baselined = true
}
