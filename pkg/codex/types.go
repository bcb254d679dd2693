// Package codex provides types and a client for the Codex app-server
// protocol: a JSON-RPC 2.0 variant over stdio that omits the
// "jsonrpc":"2.0" header. Loom uses it read-only, to list and hydrate
// threads for transcript sync.
package codex

import "encoding/json"

// Request represents a Codex JSON-RPC request (without jsonrpc field)
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a Codex JSON-RPC response
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification represents a Codex notification (no id field)
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Codex method names used by the sync layer.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized" // Notification
	MethodThreadList  = "thread/list"
	MethodThreadRead  = "thread/read"
)

// InitializeParams for initialize request
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// Thread represents a Codex thread (conversation). thread/list returns
// threads without turns; thread/read hydrates them.
type Thread struct {
	ID        string `json:"id"`
	Preview   string `json:"preview,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	Turns     []Turn `json:"turns,omitempty"`
}

// ThreadListParams for thread/list. The list API is cursor-paginated.
type ThreadListParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ThreadListResult from thread/list.
type ThreadListResult struct {
	Threads    []Thread `json:"threads"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// ThreadReadParams for thread/read.
type ThreadReadParams struct {
	ThreadID string `json:"threadId"`
}

// ThreadReadResult from thread/read.
type ThreadReadResult struct {
	Thread *Thread `json:"thread"`
}

// Turn represents a Codex turn within a thread
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "inProgress", "completed", "failed"
	Items  []Item `json:"items"`
	Error  *Error `json:"error,omitempty"`
}

// Item represents a Codex item (message, command, file change, etc.)
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`   // "userMessage", "agentMessage", "commandExecution", "fileChange", "reasoning", "mcpToolCall"
	Status string `json:"status"` // "inProgress", "completed", "failed"

	// For userMessage / agentMessage types
	Text string `json:"text,omitempty"`

	// For commandExecution type
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`

	// For fileChange type
	Changes []FileChange `json:"changes,omitempty"`

	// For reasoning type - content can be objects like [{type: "text", text: "..."}]
	// or plain strings. FlexibleContent handles both formats.
	Summary FlexibleContent `json:"summary,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`

	// For mcpToolCall type
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"`
}

// Item types.
const (
	ItemUserMessage      = "userMessage"
	ItemAgentMessage     = "agentMessage"
	ItemCommandExecution = "commandExecution"
	ItemFileChange       = "fileChange"
	ItemReasoning        = "reasoning"
	ItemMCPToolCall      = "mcpToolCall"
)

// ContentPart represents a content part in a Codex item.
type ContentPart struct {
	Type string `json:"type,omitempty"` // "text", "output_text", "input_text", etc.
	Text string `json:"text,omitempty"`
}

// FlexibleContent is a type that can unmarshal from either a string or
// []ContentPart. Codex sends summary/content in both shapes.
type FlexibleContent []ContentPart

// UnmarshalJSON handles both string and array formats from Codex.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*fc = parts
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fc = []ContentPart{{Type: "text", Text: str}}
		return nil
	}

	// If both fail, return empty (don't fail parsing)
	*fc = nil
	return nil
}

// String joins all textual parts.
func (fc FlexibleContent) String() string {
	out := ""
	for _, p := range fc {
		out += p.Text
	}
	return out
}

// FileChange represents a file change in a fileChange item
type FileChange struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff,omitempty"`
}

// FileChangeKind represents the type of file change
type FileChangeKind struct {
	Type string `json:"type"` // "add", "modify", "delete"
}
