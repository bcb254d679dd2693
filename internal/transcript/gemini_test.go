package transcript

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/loomlabs/loom/pkg/protocol"
)

func writeGeminiSession(t *testing.T, root, sessionID, content string) {
	t.Helper()
	dir := filepath.Join(root, GeminiChatDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, sessionID+".json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGeminiReaderRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeGeminiSession(t, root, "g1", `{
		"sessionId": "g1",
		"messages": [
			{"id": "m1", "type": "user", "content": "summarize this repo"},
			{"id": "m2", "type": "thought", "content": "scanning files"},
			{"id": "m3", "type": "gemini", "content": "it is a Go module"}
		]
	}`)

	r := NewGeminiReader(func() []string { return []string{root} }, testLogger(t))

	projects, err := r.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 1 || projects[0].SessionCount != 1 {
		t.Fatalf("projects = %+v", projects)
	}

	refs, err := r.ListSessions(context.Background(), root)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(refs) != 1 || refs[0].SessionID != "g1" {
		t.Fatalf("refs = %+v", refs)
	}

	sess, err := r.ReadSession(context.Background(), root, "g1")
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if len(sess.Messages) != 3 {
		t.Fatalf("got %d messages", len(sess.Messages))
	}
	if sess.Messages[0].Role != "user" {
		t.Errorf("first role = %q", sess.Messages[0].Role)
	}
	if sess.Messages[1].Content[0].Type != protocol.BlockThinking {
		t.Errorf("thought block = %+v", sess.Messages[1].Content[0])
	}
	if sess.Messages[2].Role != "assistant" {
		t.Errorf("gemini role = %q", sess.Messages[2].Role)
	}
}

func TestGeminiReaderEmptyProject(t *testing.T) {
	root := t.TempDir()
	r := NewGeminiReader(func() []string { return []string{root} }, testLogger(t))

	projects, err := r.ListProjects(context.Background())
	if err != nil || projects != nil {
		t.Errorf("projects = %+v, err = %v, want none", projects, err)
	}
	refs, err := r.ListSessions(context.Background(), root)
	if err != nil || refs != nil {
		t.Errorf("refs = %+v, err = %v, want none", refs, err)
	}
}
