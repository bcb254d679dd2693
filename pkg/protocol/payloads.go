package protocol

import (
	"encoding/json"
	"time"
)

// CLIKind is the CLI vendor hosted by a runner.
type CLIKind string

const (
	CLIClaude CLIKind = "claude"
	CLICodex  CLIKind = "codex"
	CLIGemini CLIKind = "gemini"
)

// PluginVariant is the transport variant used to drive a CLI.
type PluginVariant string

const (
	VariantSDK   PluginVariant = "sdk"
	VariantTmux  PluginVariant = "tmux"
	VariantPrint PluginVariant = "print"
)

// SessionStatus is the lifecycle state of a CLI session.
type SessionStatus string

const (
	StatusStarting SessionStatus = "starting"
	StatusReady    SessionStatus = "ready"
	StatusWorking  SessionStatus = "working"
	StatusWaiting  SessionStatus = "waiting"
	StatusIdle     SessionStatus = "idle"
	StatusError    SessionStatus = "error"
	StatusOffline  SessionStatus = "offline"
)

// Register identifies a runner to the gateway. Sent immediately on connect.
type Register struct {
	RunnerName       string    `json:"runnerName"`
	Token            string    `json:"token"`
	CLIKinds         []CLIKind `json:"cliKinds"`
	DefaultWorkspace string    `json:"defaultWorkspace,omitempty"`
}

// Registered acknowledges a register. Reclaimed is true when the same token
// re-registered an existing runner identity.
type Registered struct {
	RunnerID  string `json:"runnerId"`
	Reclaimed bool   `json:"reclaimed"`
}

// ErrorPayload is a gateway-fatal error; the runner exits on receipt.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Heartbeat carries liveness and the runner's current CLI kinds.
type Heartbeat struct {
	RunnerID string    `json:"runnerId"`
	CLIKinds []CLIKind `json:"cliKinds"`
	Sessions int       `json:"sessions"`
}

// SessionOptions is the data-driven flag catalog attached to a session.
type SessionOptions struct {
	ResumeSessionID       string            `json:"resumeSessionId,omitempty"`
	ResumeSessionAt       string            `json:"resumeSessionAt,omitempty"`
	ForkSession           bool              `json:"forkSession,omitempty"`
	ContinueConversation  bool              `json:"continueConversation,omitempty"`
	Model                 string            `json:"model,omitempty"`
	FallbackModel         string            `json:"fallbackModel,omitempty"`
	MaxTurns              int               `json:"maxTurns,omitempty"`
	MaxBudgetUSD          float64           `json:"maxBudgetUsd,omitempty"`
	Agent                 string            `json:"agent,omitempty"`
	Betas                 []string          `json:"betas,omitempty"`
	JSONSchema            json.RawMessage   `json:"jsonSchema,omitempty"`
	PermissionMode        string            `json:"permissionMode,omitempty"` // default, acceptEdits
	SkipPermissions       bool              `json:"allowDangerouslySkipPermissions,omitempty"`
	AllowedTools          []string          `json:"allowedTools,omitempty"`
	DisallowedTools       []string          `json:"disallowedTools,omitempty"`
	Tools                 []string          `json:"tools,omitempty"`
	MCPServers            json.RawMessage   `json:"mcpServers,omitempty"`
	SettingSources        []string          `json:"settingSources,omitempty"`
	StrictMCPConfig       bool              `json:"strictMcpConfig,omitempty"`
	AdditionalDirectories []string          `json:"additionalDirectories,omitempty"`
	Plugins               []string          `json:"plugins,omitempty"`
	Sandbox               bool              `json:"sandbox,omitempty"`
	PersistSession        bool              `json:"persistSession,omitempty"`
	MaxThinkingTokens     int               `json:"maxThinkingTokens,omitempty"`
	IncludePartialMsgs    bool              `json:"includePartialMessages,omitempty"`
	ThinkingLevel         string            `json:"thinkingLevel,omitempty"` // off, low, medium, high, default_on
	Env                   map[string]string `json:"env,omitempty"`
}

// SessionStart asks the runner to create a CLI session.
type SessionStart struct {
	SessionID    string         `json:"sessionId"`
	CLIKind      CLIKind        `json:"cliKind"`
	Variant      PluginVariant  `json:"variant,omitempty"`
	WorkDir      string         `json:"workDir,omitempty"`
	CreateFolder bool           `json:"createFolder,omitempty"`
	CreatedBy    string         `json:"createdBy,omitempty"`
	Options      SessionOptions `json:"options,omitempty"`
}

// SessionReady reports a usable session back to the gateway.
type SessionReady struct {
	SessionID string   `json:"sessionId"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	WorkDir   string   `json:"workDir,omitempty"`
}

// SessionEnd terminates a session.
type SessionEnd struct {
	SessionID string `json:"sessionId"`
}

// UserMessage sends a text turn to a session.
type UserMessage struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// Interrupt is the Ctrl-C equivalent for a session.
type Interrupt struct {
	SessionID string `json:"sessionId"`
}

// OutputKind tags streamed output events.
type OutputKind string

const (
	OutputStdout     OutputKind = "stdout"
	OutputThinking   OutputKind = "thinking"
	OutputToolUse    OutputKind = "tool_use"
	OutputToolResult OutputKind = "tool_result"
	OutputEdit       OutputKind = "edit"
	OutputInfo       OutputKind = "info"
	OutputError      OutputKind = "error"
)

// Output is a streamed assistant/tool output event.
type Output struct {
	SessionID string          `json:"sessionId"`
	Kind      OutputKind      `json:"kind"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	Diff      string          `json:"diff,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
}

// Status reports a session-status change.
type Status struct {
	SessionID   string        `json:"sessionId"`
	Status      SessionStatus `json:"status"`
	CurrentTool string        `json:"currentTool,omitempty"`
	Activity    string        `json:"activity,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// Metadata reports tokens, activity, and mode changes.
type Metadata struct {
	SessionID    string `json:"sessionId"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
	Model        string `json:"model,omitempty"`
	Mode         string `json:"mode,omitempty"`
	Activity     string `json:"activity,omitempty"`
}

// Result is the end-of-turn summary.
type Result struct {
	SessionID  string  `json:"sessionId"`
	IsError    bool    `json:"isError,omitempty"`
	Text       string  `json:"text,omitempty"`
	DurationMS int64   `json:"durationMs,omitempty"`
	NumTurns   int     `json:"numTurns,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`
}

// PermissionSuggestion mirrors the CLI's suggested permission rule updates.
type PermissionSuggestion struct {
	Type        string          `json:"type,omitempty"`
	Rules       json.RawMessage `json:"rules,omitempty"`
	Behavior    string          `json:"behavior,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Destination string          `json:"destination,omitempty"`
}

// PermissionRequest asks the gateway for a tool-use decision.
type PermissionRequest struct {
	RequestID      string                 `json:"requestId"`
	SessionID      string                 `json:"sessionId"`
	RunnerID       string                 `json:"runnerId"`
	ToolName       string                 `json:"toolName"`
	ToolInput      json.RawMessage        `json:"toolInput,omitempty"`
	ToolUseID      string                 `json:"toolUseId,omitempty"`
	Suggestions    []PermissionSuggestion `json:"suggestions,omitempty"`
	IsPlanMode     bool                   `json:"isPlanMode,omitempty"`
	IsQuestion     bool                   `json:"isQuestion,omitempty"`
	BlockedPath    string                 `json:"blockedPath,omitempty"`
	DecisionReason string                 `json:"decisionReason,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Decision behaviors. Reissue is not a CLI behavior: it asks the runner to
// re-send a permission_request it still holds after the gateway lost its
// state for it.
const (
	BehaviorAllow   = "allow"
	BehaviorDeny    = "deny"
	BehaviorReissue = "reissue"
)

// PermissionDecision delivers the user's decision to the runner.
type PermissionDecision struct {
	RequestID          string          `json:"requestId"`
	SessionID          string          `json:"sessionId,omitempty"`
	Behavior           string          `json:"behavior"` // allow, deny
	Scope              string          `json:"scope,omitempty"`
	UpdatedInput       json.RawMessage `json:"updatedInput,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updatedPermissions,omitempty"`
	CustomMessage      string          `json:"customMessage,omitempty"`
}

// PermissionDecisionAck confirms decision delivery to the CLI.
type PermissionDecisionAck struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// SpawnThread asks the gateway to open a new chat thread. The payload shape
// belongs to the chat surface; it passes through opaque.
type SpawnThread struct {
	RunnerID  string          `json:"runnerId"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DiscordAction is a generic UI action passthrough, opaque to the core.
type DiscordAction struct {
	RunnerID string          `json:"runnerId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Block is a tagged content variant inside a structured session message.
type Block struct {
	Type string `json:"type"` // text, thinking, tool_use, tool_result, plan, approval_needed

	// text / thinking / plan
	Text        string `json:"text,omitempty"`
	Explanation string `json:"explanation,omitempty"`

	// tool_use
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`

	// tool_result
	IsError bool   `json:"isError,omitempty"`
	Content string `json:"content,omitempty"`

	// approval_needed
	Title          string          `json:"title,omitempty"`
	Description    string          `json:"description,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	Status         string          `json:"status,omitempty"`
	RequiresAttach bool            `json:"requiresAttach,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Block type tags.
const (
	BlockText           = "text"
	BlockThinking       = "thinking"
	BlockToolUse        = "tool_use"
	BlockToolResult     = "tool_result"
	BlockPlan           = "plan"
	BlockApprovalNeeded = "approval_needed"
)

// StructuredMessage is the canonical synced-transcript record, independent of
// the CLI vendor that produced it. IDs are deterministic
// ("<turnId>:<itemId>:<blockIndex>") so retransmission is idempotent.
type StructuredMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // user, assistant
	CreatedAt time.Time `json:"createdAt"`
	TurnID    string    `json:"turnId"`
	ItemID    string    `json:"itemId"`
	Content   []Block   `json:"content"`
}

// SyncProject describes a watched project directory.
type SyncProject struct {
	ProjectPath  string  `json:"projectPath"`
	CLIKind      CLIKind `json:"cliKind"`
	SessionCount int     `json:"sessionCount"`
}

// SyncSession is a synced transcript with its normalized messages.
type SyncSession struct {
	SessionID   string              `json:"sessionId"`
	ProjectPath string              `json:"projectPath"`
	CLIKind     CLIKind             `json:"cliKind"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	Messages    []StructuredMessage `json:"messages,omitempty"`
}

// SyncProjects requests a project listing across all vendors.
type SyncProjects struct {
	RunnerID string `json:"runnerId,omitempty"`
}

// SyncProjectsResponse lists coalesced projects.
type SyncProjectsResponse struct {
	Projects []SyncProject `json:"projects"`
}

// SyncProjectsProgress reports long listings in flight.
type SyncProjectsProgress struct {
	Scanned int    `json:"scanned"`
	Current string `json:"current,omitempty"`
}

// SyncProjectsComplete terminates a projects sync.
type SyncProjectsComplete struct {
	Status      string    `json:"status"` // success, error
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// SyncSessions requests all sessions for one project path.
type SyncSessions struct {
	ProjectPath string `json:"projectPath"`
}

// SyncSessionsResponse is one chunk of a session sync reply.
type SyncSessionsResponse struct {
	ProjectPath string        `json:"projectPath"`
	Sessions    []SyncSession `json:"sessions"`
	Chunk       int           `json:"chunk"`
}

// SyncSessionsComplete terminates a sessions sync.
type SyncSessionsComplete struct {
	ProjectPath  string `json:"projectPath"`
	Status       string `json:"status"` // success, error
	Error        string `json:"error,omitempty"`
	SessionCount int    `json:"sessionCount"`
	Chunks       int    `json:"chunks"`
}

// SyncSessionEvent reports a watcher-discovered or -updated session.
type SyncSessionEvent struct {
	RunnerID string      `json:"runnerId"`
	Session  SyncSession `json:"session"`
}
