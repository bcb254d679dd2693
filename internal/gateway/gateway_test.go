package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/internal/common/config"
	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/internal/events"
	"github.com/loomlabs/loom/internal/events/bus"
	"github.com/loomlabs/loom/pkg/protocol"
)

func testGateway(t *testing.T) (*Gateway, *bus.MemoryEventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	cfg := &config.GatewayConfig{
		Host:                 "127.0.0.1",
		Port:                 0,
		PermissionTTLSeconds: 60,
		AckTimeoutMs:         10000,
	}
	return New(cfg, eventBus, log), eventBus
}

func envelope(t *testing.T, envType protocol.EnvelopeType, payload any) *protocol.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &protocol.Envelope{Type: envType, Data: data, Timestamp: time.Now().UTC()}
}

func subscribe(t *testing.T, eventBus *bus.MemoryEventBus, subject string) <-chan *bus.Event {
	t.Helper()
	ch := make(chan *bus.Event, 16)
	_, err := eventBus.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	return ch
}

func waitEvent(t *testing.T, ch <-chan *bus.Event) *bus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestOutputEnvelopePublishesToSessionSubject(t *testing.T) {
	g, eventBus := testGateway(t)
	ch := subscribe(t, eventBus, "session.*.output")

	g.handleEnvelope(context.Background(), "runner-a", envelope(t, protocol.TypeOutput, &protocol.Output{
		SessionID: "sess-1",
		Kind:      protocol.OutputStdout,
		Text:      "hello",
	}))

	e := waitEvent(t, ch)
	assert.Equal(t, events.TypeSessionOutput, e.Type)
	assert.Equal(t, "sess-1", e.Data["sessionId"])
}

func TestHeartbeatUpdatesRegistry(t *testing.T) {
	g, _ := testGateway(t)
	id, _, err := g.runners.Register(&protocol.Register{
		RunnerName: "dev", Token: "tok", CLIKinds: []protocol.CLIKind{protocol.CLIClaude},
	})
	require.NoError(t, err)

	g.handleEnvelope(context.Background(), id, envelope(t, protocol.TypeHeartbeat, &protocol.Heartbeat{
		Sessions: 4,
	}))

	runner, ok := g.runners.Get(id)
	require.True(t, ok)
	assert.Equal(t, 4, runner.Sessions)
}

func TestPermissionRequestTrackedAndPublished(t *testing.T) {
	g, eventBus := testGateway(t)
	ch := subscribe(t, eventBus, events.SubjectPermissionRequested)

	g.handleEnvelope(context.Background(), "runner-a", envelope(t, protocol.TypePermissionRequest, &protocol.PermissionRequest{
		RequestID: "req-1",
		SessionID: "sess-1",
		ToolName:  "Bash",
		Timestamp: time.Now().UTC(),
	}))

	waitEvent(t, ch)
	pending := g.perms.Pending()
	require.Len(t, pending, 1)
	// The hub-authenticated runner id wins over whatever the payload carried.
	assert.Equal(t, "runner-a", pending[0].RunnerID)
}

func TestSessionLifecycleEnvelopes(t *testing.T) {
	g, eventBus := testGateway(t)
	statusCh := subscribe(t, eventBus, "session.*.status")
	resultCh := subscribe(t, eventBus, "session.*.result")

	g.sessions.Create("sess-1", "runner-a", protocol.CLIClaude, "/work", "")

	g.handleEnvelope(context.Background(), "runner-a", envelope(t, protocol.TypeSessionReady, &protocol.SessionReady{
		SessionID: "sess-1", Model: "opus",
	}))
	waitEvent(t, statusCh)

	g.handleEnvelope(context.Background(), "runner-a", envelope(t, protocol.TypeResult, &protocol.Result{
		SessionID: "sess-1", Text: "done", NumTurns: 2,
	}))
	waitEvent(t, resultCh)

	sess, ok := g.sessions.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, protocol.StatusIdle, sess.Status)
	assert.Equal(t, "opus", sess.Model)
}

func TestRunnerOfflineCascadesToSessions(t *testing.T) {
	g, eventBus := testGateway(t)
	offlineCh := subscribe(t, eventBus, events.SubjectRunnerOffline)
	statusCh := subscribe(t, eventBus, "session.*.status")

	id, _, err := g.runners.Register(&protocol.Register{RunnerName: "dev", Token: "tok"})
	require.NoError(t, err)
	g.sessions.Create("sess-1", id, protocol.CLIClaude, "", "")

	g.runners.MarkOffline(id)

	waitEvent(t, offlineCh)
	e := waitEvent(t, statusCh)
	assert.Equal(t, string(protocol.StatusOffline), e.Data["status"])

	sess, _ := g.sessions.Get("sess-1")
	assert.Equal(t, protocol.StatusOffline, sess.Status)
}

func TestSyncEnvelopesPassThrough(t *testing.T) {
	g, eventBus := testGateway(t)
	ch := subscribe(t, eventBus, events.SubjectSyncSession)

	g.handleEnvelope(context.Background(), "runner-a", envelope(t, protocol.TypeSyncSessionDiscovered, &protocol.SyncSessionEvent{
		Session: protocol.SyncSession{SessionID: "old-1", CLIKind: protocol.CLIClaude},
	}))

	e := waitEvent(t, ch)
	assert.Equal(t, string(protocol.TypeSyncSessionDiscovered), e.Data["kind"])
}

func TestUnknownEnvelopeIgnored(t *testing.T) {
	g, _ := testGateway(t)
	// Must not panic or mutate state.
	g.handleEnvelope(context.Background(), "runner-a", &protocol.Envelope{Type: "mystery"})
	assert.Empty(t, g.sessions.List())
}
