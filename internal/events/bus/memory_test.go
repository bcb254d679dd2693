package bus

import (
	"context"
	"testing"
	"time"

	"github.com/loomlabs/loom/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func collect(t *testing.T, b *MemoryEventBus, subject string) <-chan *Event {
	t.Helper()
	ch := make(chan *Event, 16)
	if _, err := b.Subscribe(subject, func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return ch
}

func waitFor(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestExactSubjectDelivery(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	ch := collect(t, b, "runner.online")

	event := NewEvent("runner_online", "test", map[string]any{"runnerId": "r1"})
	if err := b.Publish(context.Background(), "runner.online", event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := waitFor(t, ch)
	if got.Type != "runner_online" || got.Data["runnerId"] != "r1" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestWildcardTokenMatching(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	star := collect(t, b, "session.*.output")
	tail := collect(t, b, "session.>")
	other := collect(t, b, "session.*.status")

	event := NewEvent("session_output", "test", nil)
	if err := b.Publish(context.Background(), "session.abc.output", event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, star)
	waitFor(t, tail)
	select {
	case <-other:
		t.Fatal("status subscriber should not receive output")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStarMatchesSingleTokenOnly(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	ch := collect(t, b, "session.*.output")

	if err := b.Publish(context.Background(), "session.a.b.output", NewEvent("x", "test", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("* must not span dots")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	ch := make(chan *Event, 1)
	sub, err := b.Subscribe("runner.offline", func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if sub.IsValid() {
		t.Fatal("subscription should be invalid after unsubscribe")
	}

	if err := b.Publish(context.Background(), "runner.offline", NewEvent("x", "test", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("unsubscribed handler received event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()
	if b.IsConnected() {
		t.Fatal("closed bus reports connected")
	}
	if err := b.Publish(context.Background(), "runner.online", NewEvent("x", "test", nil)); err == nil {
		t.Fatal("expected publish error after close")
	}
	if _, err := b.Subscribe("runner.online", func(context.Context, *Event) error { return nil }); err == nil {
		t.Fatal("expected subscribe error after close")
	}
}
