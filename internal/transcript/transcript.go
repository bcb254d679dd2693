// Package transcript reads on-disk CLI session stores and normalizes their
// records into the canonical structured-message schema, independent of the
// vendor that produced them.
package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomlabs/loom/pkg/protocol"
)

// maxBlockChars caps text carried by a single content block.
const maxBlockChars = 2000

// maxJSONSummaryChars caps compacted JSON summaries (tool inputs, unknown
// records).
const maxJSONSummaryChars = 1100

// approvalTailWindow is how many raw records from the end of a transcript an
// unresolved tool_use still counts as "waiting for a decision" rather than
// abandoned.
const approvalTailWindow = 3

// SessionRef is lightweight session metadata, enough for the sync watcher to
// detect changes without hydrating messages.
type SessionRef struct {
	SessionID   string
	ProjectPath string
	CLIKind     protocol.CLIKind
	UpdatedAt   time.Time
}

// Reader lists and hydrates sessions for one CLI vendor.
type Reader interface {
	Kind() protocol.CLIKind

	// ListProjects returns every project directory the vendor has sessions
	// for.
	ListProjects(ctx context.Context) ([]protocol.SyncProject, error)

	// ListSessions returns session metadata for one project, without
	// messages.
	ListSessions(ctx context.Context, projectPath string) ([]SessionRef, error)

	// ReadSession hydrates one session's normalized messages.
	ReadSession(ctx context.Context, projectPath, sessionID string) (*protocol.SyncSession, error)
}

// messageID builds the deterministic id for a structured message so repeated
// syncs of the same transcript are idempotent.
func messageID(turnID, itemID string, blockIndex int) string {
	return fmt.Sprintf("%s:%s:%d", turnID, itemID, blockIndex)
}

// truncateText bounds block text, appending an ellipsis when cut.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// summarizeJSON compacts a raw JSON value and bounds its length. Invalid JSON
// is summarized as-is.
func summarizeJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return truncateText(string(raw), maxJSONSummaryChars)
	}
	return truncateText(buf.String(), maxJSONSummaryChars)
}
