package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("gateway port default = %d", cfg.Gateway.Port)
	}
	if cfg.Runner.HeartbeatIntervalMs != 30000 {
		t.Errorf("heartbeat default = %d", cfg.Runner.HeartbeatIntervalMs)
	}
	if got := cfg.Runner.CLIKinds; len(got) != 1 || got[0] != "claude" {
		t.Errorf("cliKinds default = %v", got)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("nats url should default empty, got %q", cfg.NATS.URL)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
runner:
  runnerName: dev-box
  cliKinds: [claude, codex]
  maxSyncChunkBytes: 1048576
gateway:
  port: 9090
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runner.RunnerName != "dev-box" {
		t.Errorf("runnerName = %q", cfg.Runner.RunnerName)
	}
	if cfg.Gateway.Port != 9090 {
		t.Errorf("gateway port = %d", cfg.Gateway.Port)
	}
	if cfg.Runner.MaxSyncChunkBytes != 1048576 {
		t.Errorf("maxSyncChunkBytes = %d", cfg.Runner.MaxSyncChunkBytes)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LOOM_RUNNER_NAME", "env-runner")
	t.Setenv("LOOM_RUNNER_TOKEN", "env-token")

	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runner.RunnerName != "env-runner" {
		t.Errorf("runnerName = %q", cfg.Runner.RunnerName)
	}
	if cfg.Runner.Token != "env-token" {
		t.Errorf("token = %q", cfg.Runner.Token)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	yaml := `
runner:
  cliKinds: [claude, vscode]
  approvalTimeoutMs: 0
gateway:
  port: 99999
logging:
  level: loud
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadWithPath(dir); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDurationHelpers(t *testing.T) {
	r := RunnerConfig{ApprovalTimeoutMs: 30000, HeartbeatIntervalMs: 5000}
	if r.ApprovalTimeout().Seconds() != 30 {
		t.Errorf("approval timeout = %v", r.ApprovalTimeout())
	}
	if r.HeartbeatInterval().Seconds() != 5 {
		t.Errorf("heartbeat interval = %v", r.HeartbeatInterval())
	}
	g := GatewayConfig{PermissionTTLSeconds: 900, AckTimeoutMs: 10000}
	if g.PermissionTTL().Minutes() != 15 {
		t.Errorf("permission ttl = %v", g.PermissionTTL())
	}
	if g.AckTimeout().Seconds() != 10 {
		t.Errorf("ack timeout = %v", g.AckTimeout())
	}
}
