package transcript

import (
	"strings"
	"testing"

	"github.com/loomlabs/loom/pkg/codex"
	"github.com/loomlabs/loom/pkg/protocol"
)

func intPtr(i int) *int { return &i }

func TestNormalizeCodexThread(t *testing.T) {
	thread := &codex.Thread{
		ID:        "th1",
		Cwd:       "/work/alpha",
		CreatedAt: 1755684000000,
		Turns: []codex.Turn{
			{
				ID:     "turn1",
				Status: "completed",
				Items: []codex.Item{
					{ID: "i1", Type: codex.ItemUserMessage, Text: "list the files"},
					{ID: "i2", Type: codex.ItemReasoning, Content: codex.FlexibleContent{{Type: "text", Text: "simple task"}}},
					{ID: "i3", Type: codex.ItemCommandExecution, Command: "ls", AggregatedOutput: "a.go\nb.go", ExitCode: intPtr(0)},
					{ID: "i4", Type: codex.ItemAgentMessage, Text: "two files"},
				},
			},
		},
	}

	messages := normalizeCodex(thread)
	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(messages))
	}

	if messages[0].Role != "user" || messages[0].ID != "turn1:i1:0" {
		t.Errorf("user message = %+v", messages[0])
	}
	if messages[1].Content[0].Type != protocol.BlockThinking {
		t.Errorf("reasoning block = %+v", messages[1].Content[0])
	}

	cmd := messages[2]
	if len(cmd.Content) != 2 {
		t.Fatalf("command content = %+v, want tool_use plus tool_result", cmd.Content)
	}
	if cmd.Content[0].Type != protocol.BlockToolUse || cmd.Content[1].Type != protocol.BlockToolResult {
		t.Errorf("command blocks = %+v", cmd.Content)
	}
	if cmd.Content[1].IsError {
		t.Error("exit 0 must not be an error result")
	}
	if cmd.Content[0].ToolUseID != cmd.Content[1].ToolUseID {
		t.Error("tool_use and tool_result ids must pair")
	}
}

func TestNormalizeCodexFailedCommand(t *testing.T) {
	thread := &codex.Thread{
		ID: "th1",
		Turns: []codex.Turn{{
			ID: "turn1",
			Items: []codex.Item{
				{ID: "i1", Type: codex.ItemCommandExecution, Command: "false", ExitCode: intPtr(1)},
			},
		}},
	}
	messages := normalizeCodex(thread)
	result := messages[0].Content[1]
	if !result.IsError {
		t.Error("non-zero exit must mark the result as error")
	}
	if !strings.Contains(result.Content, "(exit 1)") {
		t.Errorf("result content = %q, want exit code note", result.Content)
	}
}

func TestNormalizeCodexTurnError(t *testing.T) {
	thread := &codex.Thread{
		ID: "th1",
		Turns: []codex.Turn{{
			ID:    "turn1",
			Error: &codex.Error{Code: codex.InternalError, Message: "model overloaded"},
		}},
	}
	messages := normalizeCodex(thread)
	if len(messages) != 1 {
		t.Fatalf("got %d messages", len(messages))
	}
	if !strings.Contains(messages[0].Content[0].Text, "model overloaded") {
		t.Errorf("error text = %q", messages[0].Content[0].Text)
	}
}

func TestNormalizeCodexUnknownItem(t *testing.T) {
	thread := &codex.Thread{
		ID: "th1",
		Turns: []codex.Turn{{
			ID:    "turn1",
			Items: []codex.Item{{ID: "i1", Type: "webSearch", Text: "golang fsnotify"}},
		}},
	}
	messages := normalizeCodex(thread)
	if len(messages) != 1 {
		t.Fatalf("got %d messages", len(messages))
	}
	if !strings.HasPrefix(messages[0].Content[0].Text, "[webSearch] ") {
		t.Errorf("fallback = %q", messages[0].Content[0].Text)
	}
}

func TestNormalizeCodexFileChange(t *testing.T) {
	thread := &codex.Thread{
		ID: "th1",
		Turns: []codex.Turn{{
			ID: "turn1",
			Items: []codex.Item{{
				ID:   "i1",
				Type: codex.ItemFileChange,
				Changes: []codex.FileChange{
					{Path: "main.go", Kind: codex.FileChangeKind{Type: "modify"}, Diff: "-old\n+new"},
				},
			}},
		}},
	}
	messages := normalizeCodex(thread)
	content := messages[0].Content
	if len(content) != 2 {
		t.Fatalf("content = %+v", content)
	}
	if content[1].Content != "-old\n+new" {
		t.Errorf("diff = %q", content[1].Content)
	}
}
