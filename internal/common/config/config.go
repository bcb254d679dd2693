// Package config provides configuration management for Loom.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Loom.
// The runner and the gateway read from the same file; each binary uses its own
// section plus the shared logging section.
type Config struct {
	Runner  RunnerConfig  `mapstructure:"runner"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RunnerConfig holds runner-agent configuration.
type RunnerConfig struct {
	// BotWsURL is the gateway WebSocket endpoint the runner connects to.
	BotWsURL string `mapstructure:"botWsUrl"`

	// Token authenticates the runner. The runner identity is derived from it,
	// so the same token always yields the same runner ID across restarts.
	Token string `mapstructure:"token"`

	// RunnerName is the human-readable runner name.
	RunnerName string `mapstructure:"runnerName"`

	// HTTPPort is the local control/debug HTTP port (0 disables it).
	HTTPPort int `mapstructure:"httpPort"`

	// DefaultWorkspace is the directory new sessions start in when the
	// session request does not name one.
	DefaultWorkspace string `mapstructure:"defaultWorkspace"`

	// CLIKinds lists the CLI vendors this runner can host (claude, codex, gemini).
	CLIKinds []string `mapstructure:"cliKinds"`

	// CLISearchPaths lists extra directories searched for CLI binaries.
	CLISearchPaths []string `mapstructure:"cliSearchPaths"`

	ApprovalTimeoutMs   int `mapstructure:"approvalTimeoutMs"`
	ControlTimeoutMs    int `mapstructure:"controlTimeoutMs"`
	MCPTimeoutMs        int `mapstructure:"mcpTimeoutMs"`
	HeartbeatIntervalMs int `mapstructure:"heartbeatIntervalMs"`
	MaxSyncChunkBytes   int `mapstructure:"maxSyncChunkBytes"`
	CodexPollIntervalMs int `mapstructure:"codexPollIntervalMs"`
}

// GatewayConfig holds control-plane gateway configuration.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// PermissionTTL is how long a permission request stays actionable, in
	// seconds. It must exceed the chat surface's interaction window.
	PermissionTTLSeconds int `mapstructure:"permissionTtlSeconds"`

	// AckTimeoutMs bounds the wait for a permission_decision_ack.
	AckTimeoutMs int `mapstructure:"ackTimeoutMs"`
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ApprovalTimeout returns the runner-side wait for a permission decision.
func (r *RunnerConfig) ApprovalTimeout() time.Duration {
	return time.Duration(r.ApprovalTimeoutMs) * time.Millisecond
}

// ControlTimeout returns the wait for a control_response from the CLI.
func (r *RunnerConfig) ControlTimeout() time.Duration {
	return time.Duration(r.ControlTimeoutMs) * time.Millisecond
}

// MCPTimeout returns the wait for MCP control responses.
func (r *RunnerConfig) MCPTimeout() time.Duration {
	return time.Duration(r.MCPTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat send interval.
func (r *RunnerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalMs) * time.Millisecond
}

// CodexPollInterval returns the Codex thread poll interval.
func (r *RunnerConfig) CodexPollInterval() time.Duration {
	return time.Duration(r.CodexPollIntervalMs) * time.Millisecond
}

// PermissionTTL returns the gateway permission state TTL.
func (g *GatewayConfig) PermissionTTL() time.Duration {
	return time.Duration(g.PermissionTTLSeconds) * time.Second
}

// AckTimeout returns the gateway wait for a decision ack.
func (g *GatewayConfig) AckTimeout() time.Duration {
	return time.Duration(g.AckTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("LOOM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Runner defaults
	v.SetDefault("runner.botWsUrl", "ws://localhost:8080/ws/runner")
	v.SetDefault("runner.token", "")
	v.SetDefault("runner.runnerName", "")
	v.SetDefault("runner.httpPort", 0)
	v.SetDefault("runner.defaultWorkspace", "")
	v.SetDefault("runner.cliKinds", []string{"claude"})
	v.SetDefault("runner.cliSearchPaths", []string{})
	v.SetDefault("runner.approvalTimeoutMs", 30000)
	v.SetDefault("runner.controlTimeoutMs", 5000)
	v.SetDefault("runner.mcpTimeoutMs", 2000)
	v.SetDefault("runner.heartbeatIntervalMs", 30000)
	v.SetDefault("runner.maxSyncChunkBytes", 2*1024*1024)
	v.SetDefault("runner.codexPollIntervalMs", 15000)

	// Gateway defaults
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.permissionTtlSeconds", 900)
	v.SetDefault("gateway.ackTimeoutMs", 10000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LOOM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/loom/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind the keys whose env var naming differs from the config key naming.
	_ = v.BindEnv("runner.botWsUrl", "LOOM_RUNNER_BOT_WS_URL")
	_ = v.BindEnv("runner.token", "LOOM_RUNNER_TOKEN")
	_ = v.BindEnv("runner.runnerName", "LOOM_RUNNER_NAME")
	_ = v.BindEnv("runner.httpPort", "LOOM_RUNNER_HTTP_PORT")
	_ = v.BindEnv("runner.defaultWorkspace", "LOOM_RUNNER_DEFAULT_WORKSPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/loom/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validKinds is the closed set of supported CLI vendors.
var validKinds = map[string]bool{"claude": true, "codex": true, "gemini": true}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if cfg.Gateway.PermissionTTLSeconds <= 0 {
		errs = append(errs, "gateway.permissionTtlSeconds must be positive")
	}

	if cfg.Runner.HTTPPort < 0 || cfg.Runner.HTTPPort > 65535 {
		errs = append(errs, "runner.httpPort must be between 0 and 65535")
	}
	for _, kind := range cfg.Runner.CLIKinds {
		if !validKinds[kind] {
			errs = append(errs, fmt.Sprintf("runner.cliKinds: unknown CLI kind %q", kind))
		}
	}
	for _, field := range []struct {
		name  string
		value int
	}{
		{"runner.approvalTimeoutMs", cfg.Runner.ApprovalTimeoutMs},
		{"runner.controlTimeoutMs", cfg.Runner.ControlTimeoutMs},
		{"runner.mcpTimeoutMs", cfg.Runner.MCPTimeoutMs},
		{"runner.heartbeatIntervalMs", cfg.Runner.HeartbeatIntervalMs},
		{"runner.maxSyncChunkBytes", cfg.Runner.MaxSyncChunkBytes},
		{"runner.codexPollIntervalMs", cfg.Runner.CodexPollIntervalMs},
	} {
		if field.value <= 0 {
			errs = append(errs, field.name+" must be positive")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
