package sync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/config"
	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/internal/runner/session"
	"github.com/loomlabs/loom/internal/transcript"
	"github.com/loomlabs/loom/pkg/protocol"
)

// rescanInterval is how often the service re-lists projects to pick up new
// directories for watching.
const rescanInterval = time.Minute

// Service owns the per-project watchers and the explicit sync operations.
// Explicit syncs are single-flight: a second request for a scope already in
// flight is dropped.
type Service struct {
	cfg      *config.RunnerConfig
	sink     session.Sink
	registry *session.Registry
	runnerID func() string
	logger   *logger.Logger

	readers []transcript.Reader

	mu               sync.Mutex
	watchers         map[string]context.CancelFunc
	projectsInFlight bool
	sessionsInFlight map[string]bool
	lastCodexState   map[string]time.Time
	codexBaselined   bool
}

// New creates the sync service over the given vendor readers.
func New(cfg *config.RunnerConfig, sink session.Sink, registry *session.Registry, runnerID func() string, readers []transcript.Reader, log *logger.Logger) *Service {
	return &Service{
		cfg:              cfg,
		sink:             sink,
		registry:         registry,
		runnerID:         runnerID,
		logger:           log.WithFields(zap.String("component", "sync")),
		readers:          readers,
		watchers:         make(map[string]context.CancelFunc),
		sessionsInFlight: make(map[string]bool),
		lastCodexState:   make(map[string]time.Time),
	}
}

// Start launches watcher management and, if a Codex reader is configured,
// its poll loop. It returns immediately.
func (s *Service) Start(ctx context.Context) {
	go s.manageWatchers(ctx)
	for _, r := range s.readers {
		if r.Kind() == protocol.CLICodex {
			go s.pollCodex(ctx, r)
		}
	}
}

// WatcherCount reports active watchers, for the HTTP status endpoint.
func (s *Service) WatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// manageWatchers periodically lists filesystem-backed projects and ensures
// each has a running watcher. Codex is covered by the poll loop instead.
func (s *Service) manageWatchers(ctx context.Context) {
	s.refreshWatchers(ctx)
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshWatchers(ctx)
		}
	}
}

func (s *Service) refreshWatchers(ctx context.Context) {
	for _, reader := range s.readers {
		if reader.Kind() == protocol.CLICodex {
			continue
		}
		projects, err := reader.ListProjects(ctx)
		if err != nil {
			s.logger.Warn("failed to list projects",
				zap.String("cli_kind", string(reader.Kind())), zap.Error(err))
			continue
		}
		for _, p := range projects {
			s.ensureWatcher(ctx, reader, p.ProjectPath)
		}
	}
}

func (s *Service) ensureWatcher(ctx context.Context, reader transcript.Reader, projectPath string) {
	key := string(reader.Kind()) + ":" + projectPath
	s.mu.Lock()
	if _, ok := s.watchers[key]; ok {
		s.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	s.watchers[key] = cancel
	s.mu.Unlock()

	watcher := NewSessionWatcher(WatcherConfig{
		ProjectPath: projectPath,
		WatchDir:    watchDirFor(reader, projectPath),
		List: func(ctx context.Context) ([]transcript.SessionRef, error) {
			return reader.ListSessions(ctx, projectPath)
		},
		IsOwned: func(sessionID string) bool {
			return s.registry.OwnedSessionIDs()[sessionID]
		},
		OnDiscovered: func(ref transcript.SessionRef) {
			s.emitSessionEvent(ctx, reader, ref, protocol.TypeSyncSessionDiscovered)
		},
		OnUpdated: func(ref transcript.SessionRef) {
			s.emitSessionEvent(ctx, reader, ref, protocol.TypeSyncSessionUpdated)
		},
	}, s.logger)

	go func() {
		watcher.Run(watchCtx)
		s.mu.Lock()
		delete(s.watchers, key)
		s.mu.Unlock()
	}()
}

// watchDirFor resolves the directory fsnotify should subscribe to for a
// reader/project pair; empty means polling only.
func watchDirFor(reader transcript.Reader, projectPath string) string {
	switch r := reader.(type) {
	case *transcript.ClaudeReader:
		return r.ProjectDir(projectPath)
	case *transcript.GeminiReader:
		return filepath.Join(projectPath, transcript.GeminiChatDir)
	default:
		return ""
	}
}

// emitSessionEvent hydrates a changed session and publishes it.
func (s *Service) emitSessionEvent(ctx context.Context, reader transcript.Reader, ref transcript.SessionRef, envType protocol.EnvelopeType) {
	sess, err := reader.ReadSession(ctx, ref.ProjectPath, ref.SessionID)
	if err != nil {
		s.logger.Warn("failed to hydrate session",
			zap.String("session_id", ref.SessionID), zap.Error(err))
		return
	}
	s.sink.Send(envType, &protocol.SyncSessionEvent{
		RunnerID: s.runnerID(),
		Session:  *sess,
	})
}

// HandleSyncProjects answers an explicit project listing across all vendors.
func (s *Service) HandleSyncProjects(ctx context.Context, _ *protocol.SyncProjects) {
	s.mu.Lock()
	if s.projectsInFlight {
		s.mu.Unlock()
		s.logger.Debug("sync_projects already in flight, dropping")
		return
	}
	s.projectsInFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.projectsInFlight = false
		s.mu.Unlock()
	}()

	startedAt := time.Now().UTC()
	var all []protocol.SyncProject
	var firstErr error
	for _, reader := range s.readers {
		projects, err := reader.ListProjects(ctx)
		if err != nil {
			s.logger.Warn("project listing failed",
				zap.String("cli_kind", string(reader.Kind())), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		all = append(all, projects...)
		s.sink.Send(protocol.TypeSyncProjectsProgress, &protocol.SyncProjectsProgress{
			Scanned: len(all),
			Current: string(reader.Kind()),
		})
	}

	s.sink.Send(protocol.TypeSyncProjectsResponse, &protocol.SyncProjectsResponse{Projects: all})

	complete := &protocol.SyncProjectsComplete{
		Status:      "success",
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
	}
	if firstErr != nil && len(all) == 0 {
		complete.Status = "error"
		complete.Error = firstErr.Error()
	}
	s.sink.Send(protocol.TypeSyncProjectsComplete, complete)
}

// HandleSyncSessions hydrates every session of every vendor for one project
// path and streams them back in chunks under the frame cap.
func (s *Service) HandleSyncSessions(ctx context.Context, req *protocol.SyncSessions) {
	s.mu.Lock()
	if s.sessionsInFlight[req.ProjectPath] {
		s.mu.Unlock()
		s.logger.Debug("sync_sessions already in flight, dropping",
			zap.String("project", req.ProjectPath))
		return
	}
	s.sessionsInFlight[req.ProjectPath] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessionsInFlight, req.ProjectPath)
		s.mu.Unlock()
	}()

	var sessions []protocol.SyncSession
	var firstErr error
	for _, reader := range s.readers {
		refs, err := reader.ListSessions(ctx, req.ProjectPath)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, ref := range refs {
			sess, err := reader.ReadSession(ctx, ref.ProjectPath, ref.SessionID)
			if err != nil {
				s.logger.Warn("failed to hydrate session",
					zap.String("session_id", ref.SessionID), zap.Error(err))
				continue
			}
			sessions = append(sessions, *sess)
		}
	}

	chunks := chunkSessions(sessions, s.maxChunkBytes(), s.logger)
	for i, chunk := range chunks {
		s.sink.Send(protocol.TypeSyncSessionsResponse, &protocol.SyncSessionsResponse{
			ProjectPath: req.ProjectPath,
			Sessions:    chunk,
			Chunk:       i,
		})
	}

	complete := &protocol.SyncSessionsComplete{
		ProjectPath:  req.ProjectPath,
		Status:       "success",
		SessionCount: len(sessions),
		Chunks:       len(chunks),
	}
	if firstErr != nil && len(sessions) == 0 {
		complete.Status = "error"
		complete.Error = firstErr.Error()
	}
	s.sink.Send(protocol.TypeSyncSessionsComplete, complete)
}

func (s *Service) maxChunkBytes() int {
	if s.cfg.MaxSyncChunkBytes > 0 {
		return s.cfg.MaxSyncChunkBytes
	}
	return 2 * 1024 * 1024
}

// chunkSessions packs sessions into frames that stay under the byte cap. A
// single oversized session still travels alone; the transport owner decides
// whether to reject it. A session that cannot marshal is left out of the
// response rather than poisoning the whole sync.
func chunkSessions(sessions []protocol.SyncSession, maxBytes int, log *logger.Logger) [][]protocol.SyncSession {
	if len(sessions) == 0 {
		return nil
	}

	var chunks [][]protocol.SyncSession
	var current []protocol.SyncSession
	currentSize := 0
	for _, sess := range sessions {
		data, err := json.Marshal(sess)
		if err != nil {
			log.Warn("dropping unmarshalable session from sync response",
				zap.String("session_id", sess.SessionID), zap.Error(err))
			continue
		}
		size := len(data)
		if len(current) > 0 && currentSize+size > maxBytes {
			chunks = append(chunks, current)
			current = nil
			currentSize = 0
		}
		current = append(current, sess)
		currentSize += size
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// pollCodex periodically diffs Codex thread timestamps. The store is opaque,
// so there is nothing to fsnotify; the first pass only records a baseline.
func (s *Service) pollCodex(ctx context.Context, reader transcript.Reader) {
	interval := s.cfg.CodexPollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkCodex(ctx, reader)
		}
	}
}

func (s *Service) checkCodex(ctx context.Context, reader transcript.Reader) {
	projects, err := reader.ListProjects(ctx)
	if err != nil {
		s.logger.Debug("codex poll failed", zap.Error(err))
		return
	}

	owned := s.registry.OwnedSessionIDs()
	for _, p := range projects {
		refs, err := reader.ListSessions(ctx, p.ProjectPath)
		if err != nil {
			continue
		}
		for _, ref := range refs {
			s.mu.Lock()
			prev, known := s.lastCodexState[ref.SessionID]
			s.lastCodexState[ref.SessionID] = ref.UpdatedAt
			baselined := s.codexBaselined
			s.mu.Unlock()

			if !baselined || owned[ref.SessionID] {
				continue
			}
			switch {
			case !known:
				s.emitSessionEvent(ctx, reader, ref, protocol.TypeSyncSessionDiscovered)
			case ref.UpdatedAt.After(prev):
				s.emitSessionEvent(ctx, reader, ref, protocol.TypeSyncSessionUpdated)
			}
		}
	}

	s.mu.Lock()
	s.codexBaselined = true
	s.mu.Unlock()
}
