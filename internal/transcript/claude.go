package transcript

import (
	"bufio"
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

// transcriptScanBuffer sizes the jsonl line scanner; single records can carry
// large embedded tool output.
const transcriptScanBuffer = 10 * 1024 * 1024

// ClaudeReader reads the Claude store: one directory per project under
// ~/.claude/projects, named by a lossy escaping of the project path, holding
// a sessions-index.json plus one <sessionId>.jsonl per session.
type ClaudeReader struct {
	root   string
	logger *logger.Logger
}

// NewClaudeReader creates a reader over root; empty root resolves to the
// default store under the user's home directory.
func NewClaudeReader(root string, log *logger.Logger) *ClaudeReader {
	if root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, ".claude", "projects")
		}
	}
	return &ClaudeReader{
		root:   root,
		logger: log.WithFields(zap.String("component", "claude-reader")),
	}
}

func (r *ClaudeReader) Kind() protocol.CLIKind { return protocol.CLIClaude }

// ProjectDir returns the store directory for a project, for file watching.
func (r *ClaudeReader) ProjectDir(projectPath string) string {
	return filepath.Join(r.root, escapeProjectPath(projectPath))
}

// sessionsIndex is the per-project index file. The stored projectPath is
// authoritative: directory-name escaping is lossy and cannot be inverted.
type sessionsIndex struct {
	Version int                  `json:"version,omitempty"`
	Entries []sessionsIndexEntry `json:"entries"`
}

type sessionsIndexEntry struct {
	SessionID   string    `json:"sessionId"`
	ProjectPath string    `json:"projectPath,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// escapeProjectPath maps a project path to its store directory name. Every
// non-alphanumeric rune becomes '-', so distinct paths can collide; callers
// must never rely on inverting it.
func escapeProjectPath(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for _, r := range p {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func (r *ClaudeReader) ListProjects(ctx context.Context) ([]protocol.SyncProject, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read claude store: %w", err)
	}

	var projects []protocol.SyncProject
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		path := r.projectPathFor(dir)
		if path == "" {
			r.logger.Debug("skipping project dir without resolvable path",
				zap.String("dir", entry.Name()))
			continue
		}
		count := countSessionFiles(dir)
		if count == 0 {
			continue
		}
		projects = append(projects, protocol.SyncProject{
			ProjectPath:  path,
			CLIKind:      protocol.CLIClaude,
			SessionCount: count,
		})
	}
	return projects, nil
}

func (r *ClaudeReader) ListSessions(ctx context.Context, projectPath string) ([]SessionRef, error) {
	dir := filepath.Join(r.root, escapeProjectPath(projectPath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read project dir: %w", err)
	}

	var refs []SessionRef
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		refs = append(refs, SessionRef{
			SessionID:   strings.TrimSuffix(name, ".jsonl"),
			ProjectPath: projectPath,
			CLIKind:     protocol.CLIClaude,
			UpdatedAt:   info.ModTime().UTC(),
		})
	}
	return refs, nil
}

func (r *ClaudeReader) ReadSession(ctx context.Context, projectPath, sessionID string) (*protocol.SyncSession, error) {
	path := filepath.Join(r.root, escapeProjectPath(projectPath), sessionID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), transcriptScanBuffer)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan transcript: %w", err)
	}

	messages := normalizeClaude(lines, r.logger)
	return &protocol.SyncSession{
		SessionID:   sessionID,
		ProjectPath: projectPath,
		CLIKind:     protocol.CLIClaude,
		UpdatedAt:   info.ModTime().UTC(),
		Messages:    messages,
	}, nil
}

// projectPathFor resolves a project directory to its real path: the index's
// projectPath field first, then the cwd recorded in any transcript line.
func (r *ClaudeReader) projectPathFor(dir string) string {
	if data, err := os.ReadFile(filepath.Join(dir, "sessions-index.json")); err == nil {
		var idx sessionsIndex
		if err := json.Unmarshal(data, &idx); err == nil {
			for _, e := range idx.Entries {
				if e.ProjectPath != "" {
					return e.ProjectPath
				}
			}
		}
	}
	return peekProjectCWD(dir)
}

// peekProjectCWD scans the first lines of any transcript for a cwd field.
func peekProjectCWD(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), transcriptScanBuffer)
		for i := 0; i < 5 && scanner.Scan(); i++ {
			var rec struct {
				CWD string `json:"cwd"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &rec); err == nil && rec.CWD != "" {
				f.Close()
				return rec.CWD
			}
		}
		f.Close()
	}
	return ""
}

func countSessionFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") {
			count++
		}
	}
	return count
}
