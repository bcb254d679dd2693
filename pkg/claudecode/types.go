// Package claudecode provides types and a client for the Claude Code CLI
// stream-json protocol: newline-delimited JSON over stdin/stdout with
// out-of-band control requests for permissions, mode and model changes.
package claudecode

import "encoding/json"

// Message types from the CLI's stdout.
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeStreamEvent carries partial assistant output
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeAssistant contains a completed assistant turn
	MessageTypeAssistant = "assistant"
	// MessageTypeUser echoes user turns and tool results
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message for a turn
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, hook, mcp)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeKeepAlive is a liveness ping; ignored
	MessageTypeKeepAlive = "keep_alive"
)

// Control request subtypes.
const (
	SubtypeCanUseTool           = "can_use_tool"
	SubtypeHookCallback         = "hook_callback"
	SubtypeMCPMessage           = "mcp_message"
	SubtypeSetPermissionMode    = "set_permission_mode"
	SubtypeSetModel             = "set_model"
	SubtypeSetMaxThinkingTokens = "set_max_thinking_tokens"
	SubtypeInitialize           = "initialize"
	SubtypeInterrupt            = "interrupt"
)

// System message subtypes.
const (
	SystemSubtypeInit = "init"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// CLIMessage represents one line from the CLI's stdout. The message type
// determines which fields are populated; unknown fields are ignored.
type CLIMessage struct {
	Type string `json:"type"`

	// For control_request messages the request_id sits at the top level.
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages the request_id sits inside the response.
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For system messages
	Subtype   string   `json:"subtype,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	CWD       string   `json:"cwd,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For assistant and user messages
	Message *MessageBody `json:"message,omitempty"`

	// For result messages. Result can be a string or an object.
	Result        json.RawMessage `json:"result,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`

	// Raw line, kept for tracing and debug logging.
	RawContent json.RawMessage `json:"-"`
}

// MessageBody is the inner message of assistant and user lines.
type MessageBody struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result. Content may be a string or a block list; keep it raw.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// StreamEvent is one partial-output event inside a stream_event line.
// The event types and delta shapes follow the assistant streaming protocol.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// content_block_start
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// content_block_delta and message_delta
	Delta *StreamDelta `json:"delta,omitempty"`

	// message_delta
	Usage *Usage `json:"usage,omitempty"`
}

// Stream event types.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

// StreamDelta is the delta payload of content_block_delta / message_delta.
type StreamDelta struct {
	Type string `json:"type"`

	// text_delta
	Text string `json:"text,omitempty"`

	// thinking_delta
	Thinking string `json:"thinking,omitempty"`

	// input_json_delta
	PartialJSON string `json:"partial_json,omitempty"`

	// message_delta
	StopReason string `json:"stop_reason,omitempty"`
}

// Delta type tags.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// Stop reasons.
const (
	StopReasonToolUse = "tool_use"
)

// ControlRequest represents a control request from the CLI.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool
	ToolName       string          `json:"tool_name,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	ToolUseID      string          `json:"tool_use_id,omitempty"`
	BlockedPath    string          `json:"blocked_path,omitempty"`
	DecisionReason string          `json:"decision_reason,omitempty"`

	// Permission suggestions from the CLI, passed through opaque.
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`

	// hook_callback
	CallbackID string          `json:"callback_id,omitempty"`
	HookName   string          `json:"hook_name,omitempty"`
	HookInput  json.RawMessage `json:"hook_input,omitempty"`

	// mcp_message
	ServerName string          `json:"server_name,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// IncomingControlResponse is a control_response from the CLI for a request we
// sent. Note the request_id lives inside the response object.
type IncomingControlResponse struct {
	Subtype   string          `json:"subtype"` // success, error
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ControlResponseMessage is the message we write to answer the CLI's control
// requests. Only the nested form is emitted: the request_id sits inside the
// response object.
type ControlResponseMessage struct {
	Type     string              `json:"type"` // "control_response"
	Response ControlResponseBody `json:"response"`
}

// ControlResponseBody is the inner response of a ControlResponseMessage.
type ControlResponseBody struct {
	Subtype   string `json:"subtype"` // success, error
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PermissionResult is the response payload for can_use_tool requests.
type PermissionResult struct {
	Behavior           string          `json:"behavior"`
	UpdatedInput       json.RawMessage `json:"updatedInput,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updatedPermissions,omitempty"`
	Message            string          `json:"message,omitempty"`
	Interrupt          *bool           `json:"interrupt,omitempty"`
}

// SDKControlRequest is a control request we send to the CLI
// (initialize, interrupt, set_permission_mode, set_model).
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	Subtype string `json:"subtype"`

	// initialize
	Hooks json.RawMessage `json:"hooks,omitempty"`

	// set_permission_mode
	Mode string `json:"mode,omitempty"`

	// set_model
	Model string `json:"model,omitempty"`

	// set_max_thinking_tokens
	MaxThinkingTokens int `json:"max_thinking_tokens,omitempty"`
}

// UserMessage is sent to provide a prompt to the CLI.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// GetResultString returns the Result field when it is a plain string.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// Tool names that get special handling.
const (
	ToolBash            = "Bash"
	ToolWrite           = "Write"
	ToolEdit            = "Edit"
	ToolMultiEdit       = "MultiEdit"
	ToolNotebookEdit    = "NotebookEdit"
	ToolRead            = "Read"
	ToolGlob            = "Glob"
	ToolGrep            = "Grep"
	ToolTask            = "Task"
	ToolWebFetch        = "WebFetch"
	ToolWebSearch       = "WebSearch"
	ToolAskUserQuestion = "AskUserQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
)
