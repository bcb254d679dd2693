package permission

import (
	"sync"
	"testing"
	"time"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/pkg/claudecode"
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

type fakeTarget struct {
	id string

	mu      sync.Mutex
	results map[string]*claudecode.PermissionResult
}

func newFakeTarget(id string) *fakeTarget {
	return &fakeTarget{id: id, results: make(map[string]*claudecode.PermissionResult)}
}

func (f *fakeTarget) ID() string { return f.id }

func (f *fakeTarget) RespondPermission(requestID string, result *claudecode.PermissionResult) error {
	f.mu.Lock()
	f.results[requestID] = result
	f.mu.Unlock()
	return nil
}

func (f *fakeTarget) result(requestID string) *claudecode.PermissionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[requestID]
}

func newTestBridge(t *testing.T, timeout time.Duration) (*Bridge, *fakeSink) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	sink := &fakeSink{}
	return New(sink, func() string { return "runner_test_abc" }, timeout, log), sink
}

func bashRequest() *claudecode.ControlRequest {
	return &claudecode.ControlRequest{
		Subtype:  claudecode.SubtypeCanUseTool,
		ToolName: claudecode.ToolBash,
		Input:    []byte(`{"command":"ls"}`),
	}
}

func TestBridgeEmitsPermissionRequest(t *testing.T) {
	b, sink := newTestBridge(t, time.Minute)
	target := newFakeTarget("s1")

	b.track(target, "req1", bashRequest())

	reqs := sink.byType(protocol.TypePermissionRequest)
	if len(reqs) != 1 {
		t.Fatalf("got %d permission_request envelopes, want 1", len(reqs))
	}
	payload := reqs[0].Payload.(*protocol.PermissionRequest)
	if payload.RequestID != "req1" || payload.SessionID != "s1" || payload.ToolName != claudecode.ToolBash {
		t.Errorf("payload = %+v", payload)
	}
	if payload.RunnerID != "runner_test_abc" {
		t.Errorf("runner id = %q", payload.RunnerID)
	}
	if b.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", b.PendingCount())
	}
}

func TestBridgeQuestionAndPlanFlags(t *testing.T) {
	b, sink := newTestBridge(t, time.Minute)
	target := newFakeTarget("s1")

	b.track(target, "q1", &claudecode.ControlRequest{
		Subtype:  claudecode.SubtypeCanUseTool,
		ToolName: toolAskUserQuestion,
	})
	b.track(target, "p1", &claudecode.ControlRequest{
		Subtype:  claudecode.SubtypeCanUseTool,
		ToolName: toolExitPlanMode,
	})

	reqs := sink.byType(protocol.TypePermissionRequest)
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	q := reqs[0].Payload.(*protocol.PermissionRequest)
	p := reqs[1].Payload.(*protocol.PermissionRequest)
	if !q.IsQuestion || q.IsPlanMode {
		t.Errorf("question flags = %+v", q)
	}
	if !p.IsPlanMode || p.IsQuestion {
		t.Errorf("plan flags = %+v", p)
	}
}

func TestBridgeAllowDecision(t *testing.T) {
	b, sink := newTestBridge(t, time.Minute)
	target := newFakeTarget("s1")
	b.track(target, "req1", bashRequest())

	b.HandleDecision(&protocol.PermissionDecision{
		RequestID: "req1",
		Behavior:  protocol.BehaviorAllow,
	})

	result := target.result("req1")
	if result == nil || result.Behavior != claudecode.BehaviorAllow {
		t.Fatalf("result = %+v, want allow", result)
	}
	acks := sink.byType(protocol.TypePermissionDecisionAck)
	if len(acks) != 1 {
		t.Fatalf("got %d acks, want 1", len(acks))
	}
	if ack := acks[0].Payload.(*protocol.PermissionDecisionAck); !ack.Success {
		t.Errorf("ack = %+v, want success", ack)
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0 after decision", b.PendingCount())
	}
}

func TestBridgeDenyWithCustomMessage(t *testing.T) {
	b, _ := newTestBridge(t, time.Minute)
	target := newFakeTarget("s1")
	b.track(target, "req1", bashRequest())

	b.HandleDecision(&protocol.PermissionDecision{
		RequestID:     "req1",
		Behavior:      protocol.BehaviorDeny,
		CustomMessage: "not on this host",
	})

	result := target.result("req1")
	if result == nil || result.Behavior != claudecode.BehaviorDeny || result.Message != "not on this host" {
		t.Errorf("result = %+v, want deny with custom message", result)
	}
}

func TestBridgeDuplicateDecisionIsIdempotent(t *testing.T) {
	b, sink := newTestBridge(t, time.Minute)
	target := newFakeTarget("s1")
	b.track(target, "req1", bashRequest())

	decision := &protocol.PermissionDecision{RequestID: "req1", Behavior: protocol.BehaviorAllow}
	b.HandleDecision(decision)
	b.HandleDecision(decision)

	acks := sink.byType(protocol.TypePermissionDecisionAck)
	if len(acks) != 2 {
		t.Fatalf("got %d acks, want 2", len(acks))
	}
	if acks[1].Payload.(*protocol.PermissionDecisionAck).Success {
		t.Error("second ack must report failure for an already-settled request")
	}
	if result := target.result("req1"); result.Behavior != claudecode.BehaviorAllow {
		t.Errorf("duplicate decision must not overwrite the first: %+v", result)
	}
}

func TestBridgeTimeoutDenies(t *testing.T) {
	b, sink := newTestBridge(t, 30*time.Millisecond)
	target := newFakeTarget("s1")
	b.track(target, "req1", bashRequest())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if target.result("req1") != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	result := target.result("req1")
	if result == nil || result.Behavior != claudecode.BehaviorDeny {
		t.Fatalf("result = %+v, want timeout denial", result)
	}
	acks := sink.byType(protocol.TypePermissionDecisionAck)
	if len(acks) != 1 || acks[0].Payload.(*protocol.PermissionDecisionAck).Success {
		t.Errorf("acks = %+v, want one failure ack", acks)
	}
}

func TestBridgeReissue(t *testing.T) {
	b, sink := newTestBridge(t, time.Minute)
	target := newFakeTarget("s1")
	b.track(target, "req1", bashRequest())

	b.HandleDecision(&protocol.PermissionDecision{
		RequestID: "req1",
		Behavior:  protocol.BehaviorReissue,
	})

	reqs := sink.byType(protocol.TypePermissionRequest)
	if len(reqs) != 2 {
		t.Fatalf("got %d permission_request envelopes, want original plus reissue", len(reqs))
	}
	if reqs[0].Payload != reqs[1].Payload {
		t.Error("reissue must replay the stored payload")
	}
	if b.PendingCount() != 1 {
		t.Error("reissue must keep the request pending")
	}
}

func TestBridgeDropSession(t *testing.T) {
	b, _ := newTestBridge(t, time.Minute)
	s1 := newFakeTarget("s1")
	s2 := newFakeTarget("s2")
	b.track(s1, "req1", bashRequest())
	b.track(s2, "req2", bashRequest())

	b.DropSession("s1")

	if result := s1.result("req1"); result == nil || result.Behavior != claudecode.BehaviorDeny {
		t.Errorf("dropped session result = %+v, want deny", result)
	}
	if s2.result("req2") != nil {
		t.Error("other session must be untouched")
	}
	if b.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", b.PendingCount())
	}
}

func TestParseSuggestions(t *testing.T) {
	raw := []byte(`[{"type":"addRules","behavior":"allow","destination":"session"}]`)
	got := parseSuggestions(raw)
	if len(got) != 1 || got[0].Destination != "session" {
		t.Errorf("suggestions = %+v", got)
	}
	if parseSuggestions([]byte(`{bad`)) != nil {
		t.Error("undecodable suggestions must be dropped")
	}
	if parseSuggestions(nil) != nil {
		t.Error("empty suggestions must be nil")
	}
}
