package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomlabs/loom/internal/common/config"
	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/internal/runner/session"
	"github.com/loomlabs/loom/internal/transcript"
	"github.com/loomlabs/loom/pkg/protocol"
)

type fakeSink struct {
	mu   sync.Mutex
	sent []sentEnvelope
}

type sentEnvelope struct {
	Type    protocol.EnvelopeType
	Payload any
}

func (f *fakeSink) Send(t protocol.EnvelopeType, payload any) bool {
	f.mu.Lock()
	f.sent = append(f.sent, sentEnvelope{Type: t, Payload: payload})
	f.mu.Unlock()
	return true
}

func (f *fakeSink) byType(t protocol.EnvelopeType) []sentEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEnvelope
	for _, e := range f.sent {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeReader serves canned sessions for one project.
type fakeReader struct {
	kind     protocol.CLIKind
	project  string
	sessions []protocol.SyncSession
	listErr  error

	mu    sync.Mutex
	lists int
}

func (f *fakeReader) Kind() protocol.CLIKind { return f.kind }

func (f *fakeReader) ListProjects(ctx context.Context) ([]protocol.SyncProject, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []protocol.SyncProject{{
		ProjectPath:  f.project,
		CLIKind:      f.kind,
		SessionCount: len(f.sessions),
	}}, nil
}

func (f *fakeReader) ListSessions(ctx context.Context, projectPath string) ([]transcript.SessionRef, error) {
	f.mu.Lock()
	f.lists++
	f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if projectPath != f.project {
		return nil, nil
	}
	var refs []transcript.SessionRef
	for _, s := range f.sessions {
		refs = append(refs, transcript.SessionRef{
			SessionID:   s.SessionID,
			ProjectPath: projectPath,
			CLIKind:     f.kind,
			UpdatedAt:   s.UpdatedAt,
		})
	}
	return refs, nil
}

func (f *fakeReader) ReadSession(ctx context.Context, projectPath, sessionID string) (*protocol.SyncSession, error) {
	for _, s := range f.sessions {
		if s.SessionID == sessionID {
			out := s
			return &out, nil
		}
	}
	return nil, errors.New("not found")
}

func newTestService(t *testing.T, readers ...transcript.Reader) (*Service, *fakeSink) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	sink := &fakeSink{}
	cfg := &config.RunnerConfig{MaxSyncChunkBytes: 2 * 1024 * 1024}
	registry := session.NewRegistry(cfg, sink, nil, log)
	svc := New(cfg, sink, registry, func() string { return "runner_test_abc" }, readers, log)
	return svc, sink
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

func bigSession(id string, size int) protocol.SyncSession {
	return protocol.SyncSession{
		SessionID: id,
		CLIKind:   protocol.CLIClaude,
		Messages: []protocol.StructuredMessage{{
			ID:      id + ":0:0",
			Role:    "assistant",
			Content: []protocol.Block{{Type: protocol.BlockText, Text: strings.Repeat("x", size)}},
		}},
	}
}

func TestChunkSessionsSplitsAtCap(t *testing.T) {
	sessions := []protocol.SyncSession{
		bigSession("a", 600),
		bigSession("b", 600),
		bigSession("c", 600),
	}
	chunks := chunkSessions(sessions, 1500, testLogger(t))
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if len(chunks[0]) != 2 || len(chunks[1]) != 1 {
		t.Errorf("chunk sizes = %d,%d, want 2,1", len(chunks[0]), len(chunks[1]))
	}
}

func TestChunkSessionsOversizedTravelsAlone(t *testing.T) {
	sessions := []protocol.SyncSession{bigSession("huge", 5000)}
	chunks := chunkSessions(sessions, 1000, testLogger(t))
	if len(chunks) != 1 || len(chunks[0]) != 1 {
		t.Fatalf("chunks = %v, want single-session chunk", len(chunks))
	}
}

func TestChunkSessionsDropsUnmarshalable(t *testing.T) {
	broken := bigSession("broken", 10)
	broken.Messages[0].Content[0].Input = json.RawMessage("{")
	sessions := []protocol.SyncSession{
		bigSession("a", 10),
		broken,
		bigSession("b", 10),
	}
	chunks := chunkSessions(sessions, 1000, testLogger(t))
	if len(chunks) != 1 || len(chunks[0]) != 2 {
		t.Fatalf("chunks = %+v, want one chunk of 2", chunks)
	}
	if chunks[0][0].SessionID != "a" || chunks[0][1].SessionID != "b" {
		t.Errorf("surviving sessions = %s,%s, want a,b", chunks[0][0].SessionID, chunks[0][1].SessionID)
	}
}

func TestChunkSessionsEmpty(t *testing.T) {
	if got := chunkSessions(nil, 1000, testLogger(t)); got != nil {
		t.Errorf("chunks = %v, want nil", got)
	}
}

func TestHandleSyncProjectsCoalesces(t *testing.T) {
	claude := &fakeReader{kind: protocol.CLIClaude, project: "/work/a",
		sessions: []protocol.SyncSession{bigSession("s1", 10)}}
	gemini := &fakeReader{kind: protocol.CLIGemini, project: "/work/b",
		sessions: []protocol.SyncSession{bigSession("g1", 10)}}
	svc, sink := newTestService(t, claude, gemini)

	svc.HandleSyncProjects(context.Background(), &protocol.SyncProjects{})

	resps := sink.byType(protocol.TypeSyncProjectsResponse)
	if len(resps) != 1 {
		t.Fatalf("got %d responses", len(resps))
	}
	projects := resps[0].Payload.(*protocol.SyncProjectsResponse).Projects
	if len(projects) != 2 {
		t.Errorf("projects = %+v, want both vendors", projects)
	}

	completes := sink.byType(protocol.TypeSyncProjectsComplete)
	if len(completes) != 1 {
		t.Fatalf("got %d completes", len(completes))
	}
	c := completes[0].Payload.(*protocol.SyncProjectsComplete)
	if c.Status != "success" || c.CompletedAt.Before(c.StartedAt) {
		t.Errorf("complete = %+v", c)
	}
}

func TestHandleSyncProjectsReportsError(t *testing.T) {
	bad := &fakeReader{kind: protocol.CLIClaude, listErr: errors.New("store unreadable")}
	svc, sink := newTestService(t, bad)

	svc.HandleSyncProjects(context.Background(), &protocol.SyncProjects{})

	completes := sink.byType(protocol.TypeSyncProjectsComplete)
	c := completes[0].Payload.(*protocol.SyncProjectsComplete)
	if c.Status != "error" || c.Error == "" {
		t.Errorf("complete = %+v, want error status", c)
	}
}

func TestHandleSyncSessionsChunksAndCompletes(t *testing.T) {
	reader := &fakeReader{kind: protocol.CLIClaude, project: "/work/a",
		sessions: []protocol.SyncSession{bigSession("s1", 10), bigSession("s2", 10)}}
	svc, sink := newTestService(t, reader)

	svc.HandleSyncSessions(context.Background(), &protocol.SyncSessions{ProjectPath: "/work/a"})

	resps := sink.byType(protocol.TypeSyncSessionsResponse)
	if len(resps) != 1 {
		t.Fatalf("got %d response chunks", len(resps))
	}
	completes := sink.byType(protocol.TypeSyncSessionsComplete)
	c := completes[0].Payload.(*protocol.SyncSessionsComplete)
	if c.SessionCount != 2 || c.Chunks != 1 || c.Status != "success" {
		t.Errorf("complete = %+v", c)
	}
}

func TestHandleSyncSessionsSingleFlight(t *testing.T) {
	svc, sink := newTestService(t)
	svc.mu.Lock()
	svc.sessionsInFlight["/work/a"] = true
	svc.mu.Unlock()

	svc.HandleSyncSessions(context.Background(), &protocol.SyncSessions{ProjectPath: "/work/a"})

	if got := sink.byType(protocol.TypeSyncSessionsComplete); got != nil {
		t.Errorf("in-flight scope must drop the request, got %+v", got)
	}
}

func TestWatcherDetectsNewAndUpdated(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})

	var mu sync.Mutex
	refs := []transcript.SessionRef{
		{SessionID: "s1", UpdatedAt: time.Unix(100, 0)},
	}
	var discovered, updated []string

	w := NewSessionWatcher(WatcherConfig{
		ProjectPath: "/work/a",
		List: func(ctx context.Context) ([]transcript.SessionRef, error) {
			mu.Lock()
			defer mu.Unlock()
			return append([]transcript.SessionRef(nil), refs...), nil
		},
		IsOwned: func(id string) bool { return id == "owned" },
		OnDiscovered: func(ref transcript.SessionRef) {
			discovered = append(discovered, ref.SessionID)
		},
		OnUpdated: func(ref transcript.SessionRef) {
			updated = append(updated, ref.SessionID)
		},
	}, log)

	ctx := context.Background()

	// Baseline pass records existing sessions without emitting.
	w.check(ctx)
	if len(discovered)+len(updated) != 0 {
		t.Fatalf("baseline must not emit: %v %v", discovered, updated)
	}

	// New session plus an owned one.
	mu.Lock()
	refs = append(refs,
		transcript.SessionRef{SessionID: "s2", UpdatedAt: time.Unix(200, 0)},
		transcript.SessionRef{SessionID: "owned", UpdatedAt: time.Unix(200, 0)},
	)
	mu.Unlock()
	w.check(ctx)
	if fmt.Sprint(discovered) != "[s2]" {
		t.Errorf("discovered = %v, want only the not-owned new session", discovered)
	}

	// Touch s1.
	mu.Lock()
	refs[0].UpdatedAt = time.Unix(300, 0)
	mu.Unlock()
	w.check(ctx)
	if fmt.Sprint(updated) != "[s1]" {
		t.Errorf("updated = %v", updated)
	}

	// Unchanged check emits nothing further.
	w.check(ctx)
	if len(discovered) != 1 || len(updated) != 1 {
		t.Errorf("idempotent check emitted again: %v %v", discovered, updated)
	}
}

func TestWatcherAdaptiveInterval(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	w := NewSessionWatcher(WatcherConfig{}, log)

	w.lastActivity = time.Now()
	if got := w.interval(); got != pollActive {
		t.Errorf("active interval = %v", got)
	}
	w.lastActivity = time.Now().Add(-time.Minute)
	if got := w.interval(); got != pollRecent {
		t.Errorf("recent interval = %v", got)
	}
	w.lastActivity = time.Now().Add(-time.Hour)
	if got := w.interval(); got != pollIdle {
		t.Errorf("idle interval = %v", got)
	}
}
