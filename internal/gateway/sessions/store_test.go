package sessions

import (
	"testing"

	"github.com/loomlabs/loom/pkg/protocol"
)

func TestLifecycleUpdates(t *testing.T) {
	s := NewStore()
	s.Create("sess-1", "runner-a", protocol.CLIClaude, "/work", "user-1")

	s.MarkReady(&protocol.SessionReady{
		SessionID: "sess-1",
		Model:     "opus",
		Tools:     []string{"Bash", "Edit"},
		WorkDir:   "/work/project",
	})
	sess, ok := s.Get("sess-1")
	if !ok || sess.Status != protocol.StatusReady || sess.Model != "opus" {
		t.Fatalf("unexpected session after ready: %+v", sess)
	}
	if sess.WorkDir != "/work/project" {
		t.Fatalf("workdir not updated: %s", sess.WorkDir)
	}

	s.SetStatus(&protocol.Status{SessionID: "sess-1", Status: protocol.StatusWorking, Activity: "Running tests"})
	s.ApplyMetadata(&protocol.Metadata{SessionID: "sess-1", InputTokens: 1200, OutputTokens: 340, Mode: "acceptEdits"})
	sess, _ = s.Get("sess-1")
	if sess.Status != protocol.StatusWorking || sess.InputTokens != 1200 || sess.Mode != "acceptEdits" {
		t.Fatalf("unexpected session after metadata: %+v", sess)
	}

	s.ApplyResult(&protocol.Result{SessionID: "sess-1", Text: "done"})
	sess, _ = s.Get("sess-1")
	if sess.Status != protocol.StatusIdle || sess.Activity != "" {
		t.Fatalf("unexpected session after result: %+v", sess)
	}
}

func TestErrorResultRecordsMessage(t *testing.T) {
	s := NewStore()
	s.Create("sess-1", "runner-a", protocol.CLIClaude, "", "")

	s.ApplyResult(&protocol.Result{SessionID: "sess-1", IsError: true, Text: "budget exceeded"})
	sess, _ := s.Get("sess-1")
	if sess.Status != protocol.StatusError || sess.LastError != "budget exceeded" {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestUpdateUnknownSessionIsNoop(t *testing.T) {
	s := NewStore()
	s.SetStatus(&protocol.Status{SessionID: "ghost", Status: protocol.StatusWorking})
	if _, ok := s.Get("ghost"); ok {
		t.Fatal("update should not create sessions")
	}
}

func TestRunnerOfflineOnline(t *testing.T) {
	s := NewStore()
	s.Create("sess-1", "runner-a", protocol.CLIClaude, "", "")
	s.Create("sess-2", "runner-a", protocol.CLICodex, "", "")
	s.Create("sess-3", "runner-b", protocol.CLIClaude, "", "")

	affected := s.MarkRunnerOffline("runner-a")
	if len(affected) != 2 {
		t.Fatalf("expected 2 affected sessions, got %v", affected)
	}
	// Second call reports nothing new.
	if again := s.MarkRunnerOffline("runner-a"); len(again) != 0 {
		t.Fatalf("expected no sessions on repeat, got %v", again)
	}
	if sess, _ := s.Get("sess-3"); sess.Status == protocol.StatusOffline {
		t.Fatal("other runner's session marked offline")
	}

	s.MarkRunnerOnline("runner-a")
	sess, _ := s.Get("sess-1")
	if sess.Status != protocol.StatusIdle {
		t.Fatalf("expected idle after runner online, got %s", sess.Status)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := NewStore()
	s.Create("sess-1", "runner-a", protocol.CLIClaude, "", "")
	s.Create("sess-2", "runner-a", protocol.CLIClaude, "", "")

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].CreatedAt.Before(list[1].CreatedAt) {
		t.Fatal("list not newest first")
	}
}
