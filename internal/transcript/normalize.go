package transcript

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/pkg/protocol"
)

// Record types that are store bookkeeping, not conversation content.
var claudeNoiseTypes = map[string]bool{
	"file-history-snapshot": true,
	"queue-operation":       true,
}

// claudeRecord is one jsonl line of a Claude transcript.
type claudeRecord struct {
	Type      string         `json:"type"`
	UUID      string         `json:"uuid"`
	Timestamp time.Time      `json:"timestamp"`
	Message   *claudeMessage `json:"message"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// claudeBlock is one content block inside a transcript message.
type claudeBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// openToolUse tracks a tool_use block awaiting its tool_result.
type openToolUse struct {
	id         string
	msgIndex   int
	recIndex   int
	blockIndex int
	name       string
	input      json.RawMessage
}

// normalizeClaude translates jsonl records into structured messages. A line
// that fails to parse is skipped, never fatal. Unresolved tool uses within
// the last few raw records produce approval_needed blocks so the UI can show
// a session stuck on a decision.
func normalizeClaude(lines [][]byte, log *logger.Logger) []protocol.StructuredMessage {
	var messages []protocol.StructuredMessage
	open := make(map[string]*openToolUse)
	total := 0

	for _, line := range lines {
		var rec claudeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Debug("skipping unparseable transcript line", zap.Error(err))
			continue
		}
		recIndex := total
		total++

		if claudeNoiseTypes[rec.Type] {
			continue
		}

		switch rec.Type {
		case "user", "assistant":
			if rec.Message == nil {
				continue
			}
			msg := normalizeClaudeMessage(&rec, recIndex, len(messages), open)
			if len(msg.Content) > 0 {
				messages = append(messages, msg)
			}
		default:
			messages = append(messages, protocol.StructuredMessage{
				ID:        messageID(rec.UUID, "0", 0),
				Role:      "assistant",
				CreatedAt: rec.Timestamp,
				TurnID:    rec.UUID,
				ItemID:    "0",
				Content: []protocol.Block{{
					Type: protocol.BlockText,
					Text: fmt.Sprintf("[%s] %s", rec.Type, summarizeJSON(line)),
				}},
			})
		}
	}

	appendApprovalTail(messages, open, total)
	return messages
}

func normalizeClaudeMessage(rec *claudeRecord, recIndex, msgIndex int, open map[string]*openToolUse) protocol.StructuredMessage {
	msg := protocol.StructuredMessage{
		ID:        messageID(rec.UUID, "0", 0),
		Role:      rec.Message.Role,
		CreatedAt: rec.Timestamp,
		TurnID:    rec.UUID,
		ItemID:    "0",
	}

	// Content is either a bare string or a block list.
	var text string
	if err := json.Unmarshal(rec.Message.Content, &text); err == nil {
		msg.Content = append(msg.Content, protocol.Block{
			Type: protocol.BlockText,
			Text: truncateText(text, maxBlockChars),
		})
		return msg
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(rec.Message.Content, &blocks); err != nil {
		return msg
	}

	for i, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text == "" {
				continue
			}
			msg.Content = append(msg.Content, protocol.Block{
				Type: protocol.BlockText,
				Text: truncateText(b.Text, maxBlockChars),
			})
		case "thinking":
			if b.Thinking == "" {
				continue
			}
			msg.Content = append(msg.Content, protocol.Block{
				Type: protocol.BlockThinking,
				Text: truncateText(b.Thinking, maxBlockChars),
			})
		case "tool_use":
			msg.Content = append(msg.Content, protocol.Block{
				Type:      protocol.BlockToolUse,
				Name:      b.Name,
				Input:     json.RawMessage(summarizeJSONRaw(b.Input)),
				ToolUseID: b.ID,
			})
			open[b.ID] = &openToolUse{
				id:         b.ID,
				msgIndex:   msgIndex,
				recIndex:   recIndex,
				blockIndex: i,
				name:       b.Name,
				input:      b.Input,
			}
		case "tool_result":
			delete(open, b.ToolUseID)
			msg.Content = append(msg.Content, protocol.Block{
				Type:      protocol.BlockToolResult,
				ToolUseID: b.ToolUseID,
				IsError:   b.IsError,
				Content:   truncateText(claudeResultText(b.Content), maxBlockChars),
			})
		default:
			msg.Content = append(msg.Content, protocol.Block{
				Type: protocol.BlockText,
				Text: fmt.Sprintf("[%s] %s", b.Type, summarizeJSON(rec.Message.Content)),
			})
		}
	}
	return msg
}

// appendApprovalTail marks unresolved tool uses near the end of the
// transcript as waiting for a decision. Entries append in transcript order
// so normalizing the same input always yields the same block stream.
func appendApprovalTail(messages []protocol.StructuredMessage, open map[string]*openToolUse, totalRecords int) {
	var tail []*openToolUse
	for _, tu := range open {
		if tu.recIndex < totalRecords-approvalTailWindow {
			continue
		}
		if tu.msgIndex >= len(messages) {
			continue
		}
		tail = append(tail, tu)
	}
	sort.Slice(tail, func(i, j int) bool {
		if tail[i].recIndex != tail[j].recIndex {
			return tail[i].recIndex < tail[j].recIndex
		}
		return tail[i].blockIndex < tail[j].blockIndex
	})

	for _, tu := range tail {
		msg := &messages[tu.msgIndex]
		msg.Content = append(msg.Content, protocol.Block{
			Type:           protocol.BlockApprovalNeeded,
			Title:          "Approval needed",
			Description:    fmt.Sprintf("%s is waiting for permission", tu.name),
			ToolName:       tu.name,
			ToolUseID:      tu.id,
			Status:         "pending",
			RequiresAttach: true,
			Payload:        json.RawMessage(summarizeJSONRaw(tu.input)),
		})
	}
}

// summarizeJSONRaw bounds raw JSON kept as JSON; oversize values collapse to
// a quoted summary string so the result stays valid JSON.
func summarizeJSONRaw(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) <= maxJSONSummaryChars {
		return raw
	}
	quoted, err := json.Marshal(summarizeJSON(raw))
	if err != nil {
		return nil
	}
	return quoted
}

// claudeResultText extracts text from a tool_result content field, which is
// either a string or a block list.
func claudeResultText(content json.RawMessage) string {
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
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return summarizeJSON(content)
}
