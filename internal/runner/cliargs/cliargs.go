// Package cliargs builds the argument vector for each CLI vendor from a
// session's option catalog, and locates vendor binaries.
package cliargs

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loomlabs/loom/pkg/protocol"
)

// binaryNames maps CLI kinds to their executable names.
var binaryNames = map[protocol.CLIKind]string{
	protocol.CLIClaude: "claude",
	protocol.CLICodex:  "codex",
	protocol.CLIGemini: "gemini",
}

// LocateBinary finds the executable for a CLI kind. Explicit search paths
// win over PATH so runners can pin specific installs.
func LocateBinary(kind protocol.CLIKind, searchPaths []string) (string, error) {
	name, ok := binaryNames[kind]
	if !ok {
		return "", fmt.Errorf("unknown CLI kind %q", kind)
	}
	for _, dir := range searchPaths {
		candidate := filepath.Join(dir, name)
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("CLI binary %q not found: %w", name, err)
	}
	return path, nil
}

// BuildArgs produces the argument vector for a session. The order is fixed:
// stream-JSON transport flags first, then the common option catalog,
// vendor-specific flags last.
func BuildArgs(kind protocol.CLIKind, opts protocol.SessionOptions) ([]string, error) {
	switch kind {
	case protocol.CLIClaude:
		return buildClaudeArgs(opts), nil
	case protocol.CLICodex:
		return buildCodexArgs(opts), nil
	case protocol.CLIGemini:
		return buildGeminiArgs(opts), nil
	default:
		return nil, fmt.Errorf("unknown CLI kind %q", kind)
	}
}

func buildClaudeArgs(opts protocol.SessionOptions) []string {
	args := []string{
		"-p",
		"--input-format=stream-json",
		"--output-format=stream-json",
		"--verbose",
		"--permission-prompt-tool=stdio",
		"--replay-user-messages",
	}
	if opts.IncludePartialMsgs {
		args = append(args, "--include-partial-messages")
	}

	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
		if opts.ResumeSessionAt != "" {
			args = append(args, "--resume-session-at", opts.ResumeSessionAt)
		}
		if opts.ForkSession {
			args = append(args, "--fork-session")
		}
	} else if opts.ContinueConversation {
		args = append(args, "--continue")
	}

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.FallbackModel != "" {
		args = append(args, "--fallback-model", opts.FallbackModel)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(opts.MaxBudgetUSD, 'f', -1, 64))
	}
	if opts.Agent != "" {
		args = append(args, "--agent", opts.Agent)
	}
	for _, beta := range opts.Betas {
		args = append(args, "--beta", beta)
	}
	if len(opts.JSONSchema) > 0 {
		args = append(args, "--json-schema", string(opts.JSONSchema))
	}

	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	} else if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if len(opts.Tools) > 0 {
		args = append(args, "--tools", strings.Join(opts.Tools, ","))
	}

	if len(opts.MCPServers) > 0 {
		args = append(args, "--mcp-config", string(opts.MCPServers))
		if opts.StrictMCPConfig {
			args = append(args, "--strict-mcp-config")
		}
	}
	if len(opts.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(opts.SettingSources, ","))
	}
	for _, dir := range opts.AdditionalDirectories {
		args = append(args, "--add-dir", dir)
	}
	for _, plugin := range opts.Plugins {
		args = append(args, "--plugin", plugin)
	}
	if opts.Sandbox {
		args = append(args, "--sandbox")
	}
	if opts.MaxThinkingTokens > 0 {
		args = append(args, "--max-thinking-tokens", strconv.Itoa(opts.MaxThinkingTokens))
	}
	if opts.ThinkingLevel != "" {
		args = append(args, "--thinking-level", opts.ThinkingLevel)
	}

	return args
}

// buildCodexArgs starts the Codex app-server; session options that have no
// server-side flag travel in the JSON-RPC calls instead.
func buildCodexArgs(opts protocol.SessionOptions) []string {
	args := []string{"app-server"}
	if opts.Model != "" {
		args = append(args, "-c", "model="+opts.Model)
	}
	if opts.Sandbox {
		args = append(args, "-c", "sandbox_mode=workspace-write")
	}
	return args
}

func buildGeminiArgs(opts protocol.SessionOptions) []string {
	args := []string{"--output-format", "stream-json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.SkipPermissions {
		args = append(args, "--yolo")
	} else if opts.PermissionMode == "acceptEdits" {
		args = append(args, "--approval-mode", "auto_edit")
	}
	for _, dir := range opts.AdditionalDirectories {
		args = append(args, "--include-directories", dir)
	}
	return args
}
