// Package sessions holds the gateway's view of live CLI sessions, built up
// from the runner's session_ready, status, metadata, and result envelopes.
package sessions

import (
	"sort"
	"sync"
	"time"

	"github.com/loomlabs/loom/pkg/protocol"
)

// Session is the gateway-side record of one CLI session.
type Session struct {
	ID           string                 `json:"id"`
	RunnerID     string                 `json:"runnerId"`
	CLIKind      protocol.CLIKind       `json:"cliKind"`
	WorkDir      string                 `json:"workDir,omitempty"`
	CreatedBy    string                 `json:"createdBy,omitempty"`
	Status       protocol.SessionStatus `json:"status"`
	Model        string                 `json:"model,omitempty"`
	Tools        []string               `json:"tools,omitempty"`
	Mode         string                 `json:"mode,omitempty"`
	Activity     string                 `json:"activity,omitempty"`
	InputTokens  int64                  `json:"inputTokens,omitempty"`
	OutputTokens int64                  `json:"outputTokens,omitempty"`
	LastError    string                 `json:"lastError,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// Store is an in-memory session table keyed by session id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create records a session the gateway just asked a runner to start.
func (s *Store) Create(id, runnerID string, kind protocol.CLIKind, workDir, createdBy string) *Session {
	now := time.Now().UTC()
	sess := &Session{
		ID:        id,
		RunnerID:  runnerID,
		CLIKind:   kind,
		WorkDir:   workDir,
		CreatedBy: createdBy,
		Status:    protocol.StatusStarting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	snapshot := *sess
	return &snapshot
}

// MarkReady applies a session_ready envelope.
func (s *Store) MarkReady(ready *protocol.SessionReady) {
	s.update(ready.SessionID, func(sess *Session) {
		sess.Status = protocol.StatusReady
		if ready.Model != "" {
			sess.Model = ready.Model
		}
		if len(ready.Tools) > 0 {
			sess.Tools = ready.Tools
		}
		if ready.WorkDir != "" {
			sess.WorkDir = ready.WorkDir
		}
	})
}

// SetStatus applies a status envelope.
func (s *Store) SetStatus(st *protocol.Status) {
	s.update(st.SessionID, func(sess *Session) {
		sess.Status = st.Status
		sess.Activity = st.Activity
		if st.Status == protocol.StatusError {
			sess.LastError = st.Message
		}
	})
}

// ApplyMetadata applies a metadata envelope. Token counts are cumulative
// totals reported by the CLI, not deltas.
func (s *Store) ApplyMetadata(md *protocol.Metadata) {
	s.update(md.SessionID, func(sess *Session) {
		if md.InputTokens > 0 {
			sess.InputTokens = md.InputTokens
		}
		if md.OutputTokens > 0 {
			sess.OutputTokens = md.OutputTokens
		}
		if md.Model != "" {
			sess.Model = md.Model
		}
		if md.Mode != "" {
			sess.Mode = md.Mode
		}
		if md.Activity != "" {
			sess.Activity = md.Activity
		}
	})
}

// ApplyResult applies an end-of-turn result envelope.
func (s *Store) ApplyResult(res *protocol.Result) {
	s.update(res.SessionID, func(sess *Session) {
		if res.IsError {
			sess.Status = protocol.StatusError
			sess.LastError = res.Text
		} else {
			sess.Status = protocol.StatusIdle
		}
		sess.Activity = ""
	})
}

// Remove drops a session record.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Get returns a copy of one session.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	snapshot := *sess
	return &snapshot, true
}

// List returns all sessions, newest first.
func (s *Store) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snapshot := *sess
		out = append(out, &snapshot)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// MarkRunnerOffline flips every session on a runner to offline and returns
// the ids affected, so consumers can be notified per session.
func (s *Store) MarkRunnerOffline(runnerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sess := range s.sessions {
		if sess.RunnerID == runnerID && sess.Status != protocol.StatusOffline {
			sess.Status = protocol.StatusOffline
			sess.UpdatedAt = time.Now().UTC()
			ids = append(ids, id)
		}
	}
	return ids
}

// MarkRunnerOnline restores offline sessions on a reconnected runner to
// idle. The runner re-reports real status per session as it resumes.
func (s *Store) MarkRunnerOnline(runnerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.RunnerID == runnerID && sess.Status == protocol.StatusOffline {
			sess.Status = protocol.StatusIdle
			sess.UpdatedAt = time.Now().UTC()
		}
	}
}

func (s *Store) update(id string, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	fn(sess)
	sess.UpdatedAt = time.Now().UTC()
}
