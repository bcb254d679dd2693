package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/pkg/protocol"
)

// GeminiChatDir is the per-project session store, relative to the project
// root.
const GeminiChatDir = ".gemini/chats"

// GeminiReader reads Gemini session checkpoints stored under each project
// root. Unlike Claude there is no global store, so the reader scans a
// configured set of candidate roots.
type GeminiReader struct {
	roots  func() []string
	logger *logger.Logger
}

// NewGeminiReader creates a reader. roots supplies the candidate project
// directories to scan; it is a func because the watched set grows as
// sessions start.
func NewGeminiReader(roots func() []string, log *logger.Logger) *GeminiReader {
	return &GeminiReader{
		roots:  roots,
		logger: log.WithFields(zap.String("component", "gemini-reader")),
	}
}

func (r *GeminiReader) Kind() protocol.CLIKind { return protocol.CLIGemini }

func (r *GeminiReader) ListProjects(ctx context.Context) ([]protocol.SyncProject, error) {
	seen := make(map[string]bool)
	var projects []protocol.SyncProject
	for _, root := range r.roots() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(root)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		count := countGeminiSessions(abs)
		if count == 0 {
			continue
		}
		projects = append(projects, protocol.SyncProject{
			ProjectPath:  abs,
			CLIKind:      protocol.CLIGemini,
			SessionCount: count,
		})
	}
	return projects, nil
}

func (r *GeminiReader) ListSessions(ctx context.Context, projectPath string) ([]SessionRef, error) {
	dir := filepath.Join(projectPath, GeminiChatDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read gemini chat dir: %w", err)
	}

	var refs []SessionRef
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		refs = append(refs, SessionRef{
			SessionID:   strings.TrimSuffix(name, ".json"),
			ProjectPath: projectPath,
			CLIKind:     protocol.CLIGemini,
			UpdatedAt:   info.ModTime().UTC(),
		})
	}
	return refs, nil
}

// geminiCheckpoint is one session checkpoint file.
type geminiCheckpoint struct {
	SessionID   string          `json:"sessionId,omitempty"`
	StartTime   time.Time       `json:"startTime,omitempty"`
	LastUpdated time.Time       `json:"lastUpdated,omitempty"`
	Messages    []geminiMessage `json:"messages"`
}

type geminiMessage struct {
	ID        string    `json:"id,omitempty"`
	Type      string    `json:"type"` // user, gemini, thought
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (r *GeminiReader) ReadSession(ctx context.Context, projectPath, sessionID string) (*protocol.SyncSession, error) {
	path := filepath.Join(projectPath, GeminiChatDir, sessionID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gemini checkpoint: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var checkpoint geminiCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to parse gemini checkpoint: %w", err)
	}

	return &protocol.SyncSession{
		SessionID:   sessionID,
		ProjectPath: projectPath,
		CLIKind:     protocol.CLIGemini,
		UpdatedAt:   info.ModTime().UTC(),
		Messages:    normalizeGemini(sessionID, &checkpoint),
	}, nil
}

// normalizeGemini translates checkpoint messages. Gemini has no turn/item
// structure, so the session id serves as the turn and the message index as
// the item.
func normalizeGemini(sessionID string, checkpoint *geminiCheckpoint) []protocol.StructuredMessage {
	var messages []protocol.StructuredMessage
	for i, m := range checkpoint.Messages {
		if m.Content == "" {
			continue
		}
		itemID := m.ID
		if itemID == "" {
			itemID = fmt.Sprintf("%d", i)
		}

		role := "assistant"
		blockType := protocol.BlockText
		switch m.Type {
		case "user":
			role = "user"
		case "gemini":
		case "thought":
			blockType = protocol.BlockThinking
		default:
			messages = append(messages, protocol.StructuredMessage{
				ID:        messageID(sessionID, itemID, 0),
				Role:      "assistant",
				CreatedAt: m.Timestamp,
				TurnID:    sessionID,
				ItemID:    itemID,
				Content: []protocol.Block{{
					Type: protocol.BlockText,
					Text: fmt.Sprintf("[%s] %s", m.Type, truncateText(m.Content, maxJSONSummaryChars)),
				}},
			})
			continue
		}

		messages = append(messages, protocol.StructuredMessage{
			ID:        messageID(sessionID, itemID, 0),
			Role:      role,
			CreatedAt: m.Timestamp,
			TurnID:    sessionID,
			ItemID:    itemID,
			Content: []protocol.Block{{
				Type: blockType,
				Text: truncateText(m.Content, maxBlockChars),
			}},
		})
	}
	return messages
}

func countGeminiSessions(root string) int {
	entries, err := os.ReadDir(filepath.Join(root, GeminiChatDir))
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			count++
		}
	}
	return count
}
