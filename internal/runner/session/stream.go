package session

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/loomlabs/loom/pkg/claudecode"
	"github.com/loomlabs/loom/pkg/protocol"
)

// flushInterval batches streamed deltas so the gateway is not flooded with
// per-token envelopes.
const flushInterval = 500 * time.Millisecond

// maxToolResultChars bounds tool_result content forwarded to the gateway.
const maxToolResultChars = 2000

// streamEvents receives the state machine's output. All callbacks run on the
// client's read goroutine except flushes, which may come from the timer.
type streamEvents struct {
	onOutput   func(out protocol.Output)
	onStatus   func(status protocol.SessionStatus, activity string)
	onMetadata func(meta protocol.Metadata)
}

// pendingTool tracks an in-flight tool_use block until its result arrives.
type pendingTool struct {
	id    string
	name  string
	input json.RawMessage
}

// streamState turns per-turn stream events into batched output events.
// One instance per session; reset on message_start.
type streamState struct {
	sessionID string
	events    streamEvents

	mu         sync.Mutex
	outputKind protocol.OutputKind
	buf        strings.Builder
	flushTimer *time.Timer

	// Current tool_use block accumulating input JSON deltas.
	currentTool *pendingTool
	inputJSON   strings.Builder

	// Completed tool calls waiting for their tool_result.
	pendingTools map[string]*pendingTool
}

func newStreamState(sessionID string, events streamEvents) *streamState {
	return &streamState{
		sessionID:    sessionID,
		events:       events,
		outputKind:   protocol.OutputStdout,
		pendingTools: make(map[string]*pendingTool),
	}
}

// HandleEvent consumes one stream event.
func (s *streamState) HandleEvent(ev *claudecode.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case claudecode.EventMessageStart:
		s.resetLocked()
		s.events.onStatus(protocol.StatusWorking, "Thinking")

	case claudecode.EventContentBlockStart:
		if ev.ContentBlock == nil {
			return
		}
		// A new block always closes the open text/thinking buffer.
		s.flushLocked()
		switch ev.ContentBlock.Type {
		case "tool_use":
			s.currentTool = &pendingTool{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			s.inputJSON.Reset()
			s.events.onStatus(protocol.StatusWorking, toolActivity(ev.ContentBlock.Name))
		case "thinking":
			s.outputKind = protocol.OutputThinking
		default:
			s.outputKind = protocol.OutputStdout
		}

	case claudecode.EventContentBlockDelta:
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case claudecode.DeltaText:
			s.appendLocked(protocol.OutputStdout, ev.Delta.Text)
		case claudecode.DeltaThinking:
			s.appendLocked(protocol.OutputThinking, ev.Delta.Thinking)
		case claudecode.DeltaInputJSON:
			if s.currentTool != nil {
				s.inputJSON.WriteString(ev.Delta.PartialJSON)
			}
		}

	case claudecode.EventContentBlockStop:
		if s.currentTool != nil {
			s.completeToolLocked()
		} else {
			s.flushLocked()
		}

	case claudecode.EventMessageDelta:
		if ev.Usage != nil {
			s.events.onMetadata(protocol.Metadata{
				SessionID:    s.sessionID,
				InputTokens:  ev.Usage.InputTokens + ev.Usage.CacheCreationInputTokens + ev.Usage.CacheReadInputTokens,
				OutputTokens: ev.Usage.OutputTokens,
			})
		}
		if ev.Delta != nil && ev.Delta.StopReason == claudecode.StopReasonToolUse {
			s.events.onStatus(protocol.StatusWaiting, "")
		}

	case claudecode.EventMessageStop:
		s.flushLocked()
		s.outputKind = protocol.OutputStdout
		s.events.onStatus(protocol.StatusIdle, "")
	}
}

// RegisterTool records a tool_use block from a completed assistant message.
// When partial messages stream, the block was usually already completed via
// content_block_stop; re-registration is a no-op for emission but keeps the
// pairing entry fresh.
func (s *streamState) RegisterTool(id, name string, input json.RawMessage) {
	s.mu.Lock()
	if _, seen := s.pendingTools[id]; seen {
		s.pendingTools[id].input = input
		s.mu.Unlock()
		return
	}
	s.flushLocked()
	s.currentTool = &pendingTool{id: id, name: name}
	s.inputJSON.Reset()
	s.inputJSON.Write(input)
	s.completeToolLocked()
	s.mu.Unlock()
}

// HandleToolResult pairs a tool_result from a user message with its tool_use.
func (s *streamState) HandleToolResult(toolUseID string, content json.RawMessage, isError bool) {
	s.mu.Lock()
	tool, ok := s.pendingTools[toolUseID]
	delete(s.pendingTools, toolUseID)
	s.mu.Unlock()
	if !ok {
		return
	}

	text := toolResultText(content)
	if tool.name == claudecode.ToolRead {
		text = stripLineNumbers(text)
	}
	text = truncate(text, maxToolResultChars)

	s.events.onOutput(protocol.Output{
		SessionID: s.sessionID,
		Kind:      protocol.OutputToolResult,
		ToolName:  tool.name,
		ToolUseID: tool.id,
		ToolInput: tool.input,
		Text:      text,
		IsError:   isError,
	})
}

func (s *streamState) resetLocked() {
	s.stopTimerLocked()
	s.buf.Reset()
	s.inputJSON.Reset()
	s.currentTool = nil
	s.outputKind = protocol.OutputStdout
}

// completeToolLocked parses the accumulated input JSON (best effort) and
// emits either a structured edit event or a generic tool_use event.
func (s *streamState) completeToolLocked() {
	tool := s.currentTool
	s.currentTool = nil

	var input json.RawMessage
	raw := s.inputJSON.String()
	s.inputJSON.Reset()
	if raw != "" && json.Valid([]byte(raw)) {
		input = json.RawMessage(raw)
	}
	tool.input = input
	s.pendingTools[tool.id] = tool

	if tool.name == claudecode.ToolEdit || tool.name == claudecode.ToolMultiEdit {
		if diff := editDiff(tool.name, input); diff != "" {
			s.events.onOutput(protocol.Output{
				SessionID: s.sessionID,
				Kind:      protocol.OutputEdit,
				ToolName:  tool.name,
				ToolUseID: tool.id,
				ToolInput: input,
				Diff:      diff,
			})
			return
		}
	}

	s.events.onOutput(protocol.Output{
		SessionID: s.sessionID,
		Kind:      protocol.OutputToolUse,
		ToolName:  tool.name,
		ToolUseID: tool.id,
		ToolInput: input,
	})
}

// appendLocked buffers delta text, flushing on output-kind change or when the
// flush timer fires, whichever happens first.
func (s *streamState) appendLocked(kind protocol.OutputKind, text string) {
	if text == "" {
		return
	}
	if kind != s.outputKind {
		s.flushLocked()
		s.outputKind = kind
	}
	s.buf.WriteString(text)
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(flushInterval, s.flushFromTimer)
	}
}

func (s *streamState) flushFromTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushTimer = nil
	s.flushLocked()
}

func (s *streamState) flushLocked() {
	s.stopTimerLocked()
	if s.buf.Len() == 0 {
		return
	}
	text := s.buf.String()
	s.buf.Reset()
	s.events.onOutput(protocol.Output{
		SessionID: s.sessionID,
		Kind:      s.outputKind,
		Text:      text,
	})
}

func (s *streamState) stopTimerLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

// toolActivity maps a tool name to the activity label shown while it runs.
func toolActivity(name string) string {
	switch name {
	case claudecode.ToolBash:
		return "Running command"
	case claudecode.ToolRead, claudecode.ToolGlob, claudecode.ToolGrep:
		return "Reading files"
	case claudecode.ToolWrite, claudecode.ToolEdit, claudecode.ToolMultiEdit, claudecode.ToolNotebookEdit:
		return "Editing files"
	case claudecode.ToolWebFetch, claudecode.ToolWebSearch:
		return "Browsing"
	case claudecode.ToolTask:
		return "Delegating"
	default:
		return "Using " + name
	}
}

// editDiff builds a unified diff from an Edit/MultiEdit input payload.
func editDiff(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	type edit struct {
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	var parsed struct {
		FilePath  string `json:"file_path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
		Edits     []edit `json:"edits"`
	}
	if err := json.Unmarshal(input, &parsed); err != nil {
		return ""
	}

	var parts []string
	switch toolName {
	case claudecode.ToolMultiEdit:
		for _, e := range parsed.Edits {
			if d := unifiedDiff(parsed.FilePath, e.OldString, e.NewString); d != "" {
				parts = append(parts, d)
			}
		}
	default:
		if d := unifiedDiff(parsed.FilePath, parsed.OldString, parsed.NewString); d != "" {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, "\n")
}

// toolResultText extracts plain text from a tool_result content field, which
// is either a string or a list of content blocks.
func toolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String()
	}
	return string(content)
}

// readLineNumberRegex matches the "   123→" prefix the Read tool adds.
var readLineNumberRegex = regexp.MustCompile(`(?m)^\s*\d+→`)

func stripLineNumbers(s string) string {
	return readLineNumberRegex.ReplaceAllString(s, "")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
