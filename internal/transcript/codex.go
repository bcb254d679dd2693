package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/internal/runner/cliargs"
	"github.com/loomlabs/loom/internal/runner/proc"
	"github.com/loomlabs/loom/pkg/codex"
	"github.com/loomlabs/loom/pkg/protocol"
)

// codexAPI is the slice of the app-server client the reader needs.
type codexAPI interface {
	ListAllThreads(ctx context.Context) ([]codex.Thread, error)
	ReadThread(ctx context.Context, threadID string) (*codex.Thread, error)
}

// CodexReader lists and hydrates Codex threads through the app-server
// protocol. The store layout is opaque; everything goes through the vendor
// CLI.
type CodexReader struct {
	searchPaths []string
	logger      *logger.Logger

	mu      sync.Mutex
	api     codexAPI
	channel *proc.Channel
}

// NewCodexReader creates a reader that spawns `codex app-server` lazily on
// first use.
func NewCodexReader(searchPaths []string, log *logger.Logger) *CodexReader {
	return &CodexReader{
		searchPaths: searchPaths,
		logger:      log.WithFields(zap.String("component", "codex-reader")),
	}
}

func (r *CodexReader) Kind() protocol.CLIKind { return protocol.CLICodex }

// ensureClient spawns the app-server subprocess and performs the initialize
// handshake, once.
func (r *CodexReader) ensureClient(ctx context.Context) (codexAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.api != nil {
		return r.api, nil
	}

	binary, err := cliargs.LocateBinary(protocol.CLICodex, r.searchPaths)
	if err != nil {
		return nil, err
	}
	channel := proc.New(proc.Config{Path: binary, Args: []string{"app-server"}})
	if err := channel.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to spawn codex app-server: %w", err)
	}

	client := codex.NewClient(channel, channel.Stdout(), r.logger)
	client.Start(context.Background())
	if _, err := client.Initialize(ctx, &codex.ClientInfo{Name: "loom", Version: "1"}); err != nil {
		client.Stop()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = channel.Stop(stopCtx)
		cancel()
		return nil, fmt.Errorf("codex initialize failed: %w", err)
	}

	r.channel = channel
	r.api = client
	return r.api, nil
}

// Close stops the app-server subprocess if one was spawned.
func (r *CodexReader) Close(ctx context.Context) error {
	r.mu.Lock()
	channel := r.channel
	r.api = nil
	r.channel = nil
	r.mu.Unlock()
	if channel == nil {
		return nil
	}
	return channel.Stop(ctx)
}

func (r *CodexReader) ListProjects(ctx context.Context) ([]protocol.SyncProject, error) {
	api, err := r.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	threads, err := api.ListAllThreads(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	var order []string
	for _, t := range threads {
		if t.Cwd == "" {
			continue
		}
		if counts[t.Cwd] == 0 {
			order = append(order, t.Cwd)
		}
		counts[t.Cwd]++
	}

	projects := make([]protocol.SyncProject, 0, len(order))
	for _, cwd := range order {
		projects = append(projects, protocol.SyncProject{
			ProjectPath:  cwd,
			CLIKind:      protocol.CLICodex,
			SessionCount: counts[cwd],
		})
	}
	return projects, nil
}

func (r *CodexReader) ListSessions(ctx context.Context, projectPath string) ([]SessionRef, error) {
	api, err := r.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	threads, err := api.ListAllThreads(ctx)
	if err != nil {
		return nil, err
	}

	var refs []SessionRef
	for _, t := range threads {
		if t.Cwd != projectPath {
			continue
		}
		refs = append(refs, SessionRef{
			SessionID:   t.ID,
			ProjectPath: projectPath,
			CLIKind:     protocol.CLICodex,
			UpdatedAt:   time.UnixMilli(t.UpdatedAt).UTC(),
		})
	}
	return refs, nil
}

// ReadSession hydrates one thread. Listing omits turns, so this always costs
// a second round trip.
func (r *CodexReader) ReadSession(ctx context.Context, projectPath, sessionID string) (*protocol.SyncSession, error) {
	api, err := r.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	thread, err := api.ReadThread(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &protocol.SyncSession{
		SessionID:   thread.ID,
		ProjectPath: projectPath,
		CLIKind:     protocol.CLICodex,
		UpdatedAt:   time.UnixMilli(thread.UpdatedAt).UTC(),
		Messages:    normalizeCodex(thread),
	}, nil
}

// normalizeCodex translates hydrated thread turns into structured messages.
// Each item becomes one message; ids stay deterministic across re-reads.
func normalizeCodex(thread *codex.Thread) []protocol.StructuredMessage {
	createdAt := time.UnixMilli(thread.CreatedAt).UTC()

	var messages []protocol.StructuredMessage
	for _, turn := range thread.Turns {
		for _, item := range turn.Items {
			msg := codexItemMessage(turn, item, createdAt)
			if len(msg.Content) > 0 {
				messages = append(messages, msg)
			}
		}
		if turn.Error != nil {
			messages = append(messages, protocol.StructuredMessage{
				ID:        messageID(turn.ID, "error", 0),
				Role:      "assistant",
				CreatedAt: createdAt,
				TurnID:    turn.ID,
				ItemID:    "error",
				Content: []protocol.Block{{
					Type: protocol.BlockText,
					Text: "[error] " + turn.Error.Message,
				}},
			})
		}
	}
	return messages
}

func codexItemMessage(turn codex.Turn, item codex.Item, createdAt time.Time) protocol.StructuredMessage {
	msg := protocol.StructuredMessage{
		ID:        messageID(turn.ID, item.ID, 0),
		Role:      "assistant",
		CreatedAt: createdAt,
		TurnID:    turn.ID,
		ItemID:    item.ID,
	}

	switch item.Type {
	case codex.ItemUserMessage:
		msg.Role = "user"
		msg.Content = append(msg.Content, protocol.Block{
			Type: protocol.BlockText,
			Text: truncateText(item.Text, maxBlockChars),
		})

	case codex.ItemAgentMessage:
		msg.Content = append(msg.Content, protocol.Block{
			Type: protocol.BlockText,
			Text: truncateText(item.Text, maxBlockChars),
		})

	case codex.ItemReasoning:
		text := item.Content.String()
		if text == "" {
			text = item.Summary.String()
		}
		if text == "" {
			return msg
		}
		msg.Content = append(msg.Content, protocol.Block{
			Type: protocol.BlockThinking,
			Text: truncateText(text, maxBlockChars),
		})

	case codex.ItemCommandExecution:
		input, _ := json.Marshal(map[string]string{"command": item.Command})
		msg.Content = append(msg.Content, protocol.Block{
			Type:      protocol.BlockToolUse,
			Name:      "command",
			Input:     input,
			ToolUseID: item.ID,
		})
		if item.ExitCode != nil {
			msg.Content = append(msg.Content, protocol.Block{
				Type:      protocol.BlockToolResult,
				ToolUseID: item.ID,
				IsError:   *item.ExitCode != 0,
				Content:   truncateText(codexCommandResult(item), maxBlockChars),
			})
		}

	case codex.ItemFileChange:
		for i, change := range item.Changes {
			input, _ := json.Marshal(map[string]string{
				"path": change.Path,
				"kind": change.Kind.Type,
			})
			msg.Content = append(msg.Content, protocol.Block{
				Type:      protocol.BlockToolUse,
				Name:      "fileChange",
				Input:     input,
				ToolUseID: item.ID + ":" + strconv.Itoa(i),
			})
			if change.Diff != "" {
				msg.Content = append(msg.Content, protocol.Block{
					Type:      protocol.BlockToolResult,
					ToolUseID: item.ID + ":" + strconv.Itoa(i),
					Content:   truncateText(change.Diff, maxBlockChars),
				})
			}
		}

	case codex.ItemMCPToolCall:
		msg.Content = append(msg.Content, protocol.Block{
			Type:      protocol.BlockToolUse,
			Name:      item.Server + "/" + item.Tool,
			Input:     json.RawMessage(summarizeJSONRaw(item.Arguments)),
			ToolUseID: item.ID,
		})
		if len(item.Result) > 0 || item.ToolError != "" {
			content := summarizeJSON(item.Result)
			if item.ToolError != "" {
				content = item.ToolError
			}
			msg.Content = append(msg.Content, protocol.Block{
				Type:      protocol.BlockToolResult,
				ToolUseID: item.ID,
				IsError:   item.ToolError != "",
				Content:   truncateText(content, maxBlockChars),
			})
		}

	default:
		raw, _ := json.Marshal(item)
		msg.Content = append(msg.Content, protocol.Block{
			Type: protocol.BlockText,
			Text: fmt.Sprintf("[%s] %s", item.Type, summarizeJSON(raw)),
		})
	}
	return msg
}

func codexCommandResult(item codex.Item) string {
	out := item.AggregatedOutput
	if item.ExitCode != nil && *item.ExitCode != 0 {
		out = fmt.Sprintf("%s\n(exit %d)", out, *item.ExitCode)
	}
	return out
}
