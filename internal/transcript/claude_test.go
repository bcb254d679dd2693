package transcript

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/pkg/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

func TestEscapeProjectPath(t *testing.T) {
	cases := map[string]string{
		"/home/user/my-project": "-home-user-my-project",
		"/a/b c/d_e":            "-a-b-c-d-e",
		"simple":                "simple",
	}
	for in, want := range cases {
		if got := escapeProjectPath(in); got != want {
			t.Errorf("escape(%q) = %q, want %q", in, got, want)
		}
	}

	// Escaping is idempotent after the first application.
	once := escapeProjectPath("/x/y.z")
	if escapeProjectPath(once) != once {
		t.Errorf("escape not idempotent: %q -> %q", once, escapeProjectPath(once))
	}
}

// writeClaudeStore lays out a minimal store with one project and one session.
func writeClaudeStore(t *testing.T, root, projectPath, sessionID string, lines []string) {
	t.Helper()
	dir := filepath.Join(root, escapeProjectPath(projectPath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	index := `{"version":1,"entries":[{"sessionId":"` + sessionID + `","projectPath":"` + projectPath + `"}]}`
	if err := os.WriteFile(filepath.Join(dir, "sessions-index.json"), []byte(index), 0o644); err != nil {
		t.Fatal(err)
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestClaudeReaderListsProjects(t *testing.T) {
	root := t.TempDir()
	writeClaudeStore(t, root, "/work/alpha", "s1", []string{
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"hello"}}`,
	})

	r := NewClaudeReader(root, testLogger(t))
	projects, err := r.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("got %d projects, want 1", len(projects))
	}
	if projects[0].ProjectPath != "/work/alpha" {
		t.Errorf("project path = %q, want index value, not inverse escaping", projects[0].ProjectPath)
	}
	if projects[0].SessionCount != 1 {
		t.Errorf("session count = %d", projects[0].SessionCount)
	}
}

func TestClaudeReaderFallsBackToCWD(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, escapeProjectPath("/work/beta"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	line := `{"type":"user","uuid":"u1","cwd":"/work/beta","message":{"role":"user","content":"hi"}}`
	if err := os.WriteFile(filepath.Join(dir, "s1.jsonl"), []byte(line+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewClaudeReader(root, testLogger(t))
	projects, err := r.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 1 || projects[0].ProjectPath != "/work/beta" {
		t.Errorf("projects = %+v, want cwd fallback /work/beta", projects)
	}
}

func TestClaudeReadSessionNormalizes(t *testing.T) {
	root := t.TempDir()
	lines := []string{
		`{"type":"user","uuid":"u1","timestamp":"2026-08-20T10:00:00Z","message":{"role":"user","content":"run the tests"}}`,
		`{"type":"file-history-snapshot","uuid":"n1","snapshot":{"big":"blob"}}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-20T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"sure"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"go test"}}]}}`,
		`{"type":"user","uuid":"u2","timestamp":"2026-08-20T10:00:09Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`,
		`not json at all`,
	}
	writeClaudeStore(t, root, "/work/alpha", "s1", lines)

	r := NewClaudeReader(root, testLogger(t))
	sess, err := r.ReadSession(context.Background(), "/work/alpha", "s1")
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if sess.CLIKind != protocol.CLIClaude || sess.SessionID != "s1" {
		t.Errorf("session = %+v", sess)
	}
	if len(sess.Messages) != 3 {
		t.Fatalf("got %d messages, want 3 (noise and bad line skipped): %+v", len(sess.Messages), sess.Messages)
	}
	if sess.Messages[0].Role != "user" || sess.Messages[0].Content[0].Text != "run the tests" {
		t.Errorf("first message = %+v", sess.Messages[0])
	}
	if sess.Messages[0].ID != "u1:0:0" {
		t.Errorf("id = %q, want deterministic u1:0:0", sess.Messages[0].ID)
	}

	assistant := sess.Messages[1]
	if len(assistant.Content) != 2 || assistant.Content[1].Type != protocol.BlockToolUse {
		t.Fatalf("assistant content = %+v", assistant.Content)
	}
	result := sess.Messages[2].Content[0]
	if result.Type != protocol.BlockToolResult || result.ToolUseID != "t1" || result.Content != "ok" {
		t.Errorf("tool result = %+v", result)
	}
}

func TestClaudeApprovalTail(t *testing.T) {
	lines := [][]byte{
		[]byte(`{"type":"user","uuid":"u1","message":{"role":"user","content":"deploy"}}`),
		[]byte(`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"tool_use","id":"t9","name":"Bash","input":{"command":"rm -rf /"}}]}}`),
	}
	messages := normalizeClaude(lines, testLogger(t))
	if len(messages) != 2 {
		t.Fatalf("got %d messages", len(messages))
	}
	last := messages[1]
	approval := last.Content[len(last.Content)-1]
	if approval.Type != protocol.BlockApprovalNeeded || !approval.RequiresAttach {
		t.Fatalf("tail block = %+v, want approval_needed with requiresAttach", approval)
	}
	if approval.ToolName != "Bash" || approval.Status != "pending" {
		t.Errorf("approval = %+v", approval)
	}
}

func TestClaudeApprovalTailOrderIsStable(t *testing.T) {
	lines := [][]byte{
		[]byte(`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}},{"type":"tool_use","id":"t2","name":"Write","input":{"file_path":"x"}}]}}`),
	}
	first := normalizeClaude(lines, testLogger(t))
	if len(first) != 1 {
		t.Fatalf("got %d messages", len(first))
	}

	var order []string
	for _, b := range first[0].Content {
		if b.Type == protocol.BlockApprovalNeeded {
			order = append(order, b.ToolUseID)
		}
	}
	if len(order) != 2 || order[0] != "t1" || order[1] != "t2" {
		t.Fatalf("approval order = %v, want [t1 t2]", order)
	}

	// Re-normalizing the same input must yield a byte-equal block stream.
	for i := 0; i < 50; i++ {
		again := normalizeClaude(lines, testLogger(t))
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("normalization not deterministic on pass %d:\nfirst: %+v\nagain: %+v", i, first[0].Content, again[0].Content)
		}
	}
}

func TestClaudeApprovalTailWindowExpires(t *testing.T) {
	lines := [][]byte{
		[]byte(`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{}}]}}`),
		[]byte(`{"type":"user","uuid":"u1","message":{"role":"user","content":"1"}}`),
		[]byte(`{"type":"user","uuid":"u2","message":{"role":"user","content":"2"}}`),
		[]byte(`{"type":"user","uuid":"u3","message":{"role":"user","content":"3"}}`),
	}
	messages := normalizeClaude(lines, testLogger(t))
	for _, m := range messages {
		for _, b := range m.Content {
			if b.Type == protocol.BlockApprovalNeeded {
				t.Fatal("tool_use outside the tail window must not produce approval_needed")
			}
		}
	}
}

func TestClaudeUnknownTypeFallback(t *testing.T) {
	lines := [][]byte{
		[]byte(`{"type":"compaction-marker","uuid":"x1","detail":{"reason":"context"}}`),
	}
	messages := normalizeClaude(lines, testLogger(t))
	if len(messages) != 1 {
		t.Fatalf("got %d messages", len(messages))
	}
	text := messages[0].Content[0].Text
	if !strings.HasPrefix(text, "[compaction-marker] ") {
		t.Errorf("fallback text = %q", text)
	}
}

func TestNormalizeTruncatesLongText(t *testing.T) {
	long := strings.Repeat("a", maxBlockChars+500)
	lines := [][]byte{
		[]byte(`{"type":"user","uuid":"u1","message":{"role":"user","content":"` + long + `"}}`),
	}
	messages := normalizeClaude(lines, testLogger(t))
	got := messages[0].Content[0].Text
	if len(got) > maxBlockChars+len("…") {
		t.Errorf("text length = %d, want bounded", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("truncated text missing ellipsis")
	}
}
