// Package config loads and validates the YAML configuration file shared by
// the serve, chat, and run commands.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaylabs/relay/internal/ratelimit"
)

// Config is the top-level configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	StateDir string         `yaml:"state_dir"`
	Provider ProviderConfig `yaml:"provider"`
	Agent    AgentConfig    `yaml:"agent"`
	Approval ApprovalConfig `yaml:"approval"`
	Channels ChannelsConfig `yaml:"channels"`
	Batch    BatchConfig    `yaml:"batch"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// ProviderConfig selects and configures the model backend.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AgentConfig tunes the conversation loop.
type AgentConfig struct {
	// Workspace is the directory file tools are confined to.
	Workspace string `yaml:"workspace"`

	// System is the system prompt sent with every run.
	System string `yaml:"system"`

	// MaxIterations bounds think/act cycles per run.
	MaxIterations int `yaml:"max_iterations"`

	// MaxWallTime bounds total run duration. Zero disables the bound.
	MaxWallTime time.Duration `yaml:"max_wall_time"`

	// MaxConcurrency bounds parallel tool executions within one turn.
	MaxConcurrency int `yaml:"max_concurrency"`

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// ApprovalConfig controls command risk gating.
type ApprovalConfig struct {
	// Mode is "prompt" (interactive decisions where a terminal exists) or
	// "deny" (risky commands are always refused).
	Mode string `yaml:"mode"`

	// Sandboxed marks the execution environment as disposable; risky
	// commands run without approval.
	Sandboxed bool `yaml:"sandboxed"`

	// AllowlistPath overrides the default allowlist location under state_dir.
	AllowlistPath string `yaml:"allowlist_path"`
}

// ChannelsConfig configures the messaging platform adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig   `yaml:"telegram"`
	Slack    SlackConfig      `yaml:"slack"`
	Pairing  ratelimit.Config `yaml:"pairing"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`

	// AllowFrom is a static sender allowlist. Empty means open mode: any
	// sender is accepted or may pair for access.
	AllowFrom []string `yaml:"allow_from"`
}

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	Enabled   bool     `yaml:"enabled"`
	BotToken  string   `yaml:"bot_token"`
	AppToken  string   `yaml:"app_token"`
	AllowFrom []string `yaml:"allow_from"`
}

// BatchConfig configures batch runs.
type BatchConfig struct {
	// Workers bounds concurrent prompts.
	Workers int `yaml:"workers"`

	// DBPath overrides the default batch database location under state_dir.
	DBPath string `yaml:"db_path"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.StateDir = filepath.Join(home, ".relay")
	}
	if c.Agent.Workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		c.Agent.Workspace = wd
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 60
	}
	if c.Agent.MaxConcurrency == 0 {
		c.Agent.MaxConcurrency = 8
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = 2 * time.Minute
	}
	if c.Approval.Mode == "" {
		c.Approval.Mode = "prompt"
	}
	if c.Approval.AllowlistPath == "" {
		c.Approval.AllowlistPath = filepath.Join(c.StateDir, "approved_commands.json")
	}
	if c.Channels.Pairing == (ratelimit.Config{}) {
		c.Channels.Pairing = ratelimit.DefaultConfig()
	}
	if c.Batch.Workers == 0 {
		c.Batch.Workers = 4
	}
	if c.Batch.DBPath == "" {
		c.Batch.DBPath = filepath.Join(c.StateDir, "batch.db")
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log format %q", c.Log.Format)
	}
	switch c.Approval.Mode {
	case "prompt", "deny":
	default:
		return fmt.Errorf("config: invalid approval mode %q", c.Approval.Mode)
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("config: max_iterations must not be negative")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("config: telegram enabled but token is empty")
	}
	if c.Channels.Slack.Enabled && (c.Channels.Slack.BotToken == "" || c.Channels.Slack.AppToken == "") {
		return fmt.Errorf("config: slack enabled but tokens are incomplete")
	}
	return nil
}

// Load reads the config file at path, expands environment variables,
// applies defaults, and validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
