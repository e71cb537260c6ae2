package config

import (
	"encoding/json"
	"path/filepath"
)

// Config is the parley daemon and CLI configuration.
type Config struct {
	DataDir  string         `json:"data_dir" mapstructure:"data_dir"`
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`
	Agents   AgentsConfig   `json:"agents" mapstructure:"agents"`
	Chat     ChatConfig     `json:"chat" mapstructure:"chat"`
	Notifier NotifierConfig `json:"notifier" mapstructure:"notifier"`
	Registry RegistryConfig `json:"registry" mapstructure:"registry"`
	Watchdog WatchdogConfig `json:"watchdog" mapstructure:"watchdog"`
	Gateway  GatewayConfig  `json:"gateway" mapstructure:"gateway"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
}

// ProviderConfig selects and authenticates the model provider.
type ProviderConfig struct {
	Name         string `json:"name" mapstructure:"name"` // anthropic, openai
	APIKey       string `json:"api_key" mapstructure:"api_key"`
	BaseURL      string `json:"base_url" mapstructure:"base_url"`
	Model        string `json:"model" mapstructure:"model"`
	MaxTokens    int    `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string `json:"system_prompt" mapstructure:"system_prompt"`
	MaxRetries   int    `json:"max_retries" mapstructure:"max_retries"`
}

// AgentsConfig holds defaults for new sessions.
type AgentsConfig struct {
	DefaultModel string   `json:"default_model" mapstructure:"default_model"`
	DefaultTools []string `json:"default_tools" mapstructure:"default_tools"`
	AutoSave     bool     `json:"auto_save" mapstructure:"auto_save"`
	HistoryDir   string   `json:"history_dir" mapstructure:"history_dir"`
}

// ChatConfig holds the shared chat log settings.
type ChatConfig struct {
	Path            string `json:"path" mapstructure:"path"`
	CoordinatorName string `json:"coordinator_name" mapstructure:"coordinator_name"`
	Watch           bool   `json:"watch" mapstructure:"watch"`
	ArchivePath     string `json:"archive_path" mapstructure:"archive_path"`
	ArchiveEnabled  bool   `json:"archive_enabled" mapstructure:"archive_enabled"`
}

// NotifierConfig holds coordinator activation settings.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Command         string `json:"command" mapstructure:"command"`
	FallbackSession string `json:"fallback_session" mapstructure:"fallback_session"`
	SubmitDelayMs   int    `json:"submit_delay_ms" mapstructure:"submit_delay_ms"` // 0 uses 500
}

// RegistryConfig locates the discovery cache.
type RegistryConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// WatchdogConfig controls stalled-agent nudges.
type WatchdogConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	Schedule          string `json:"schedule" mapstructure:"schedule"`
	StallAfterSeconds int    `json:"stall_after_seconds" mapstructure:"stall_after_seconds"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values. Paths under the data
// directory are left empty and filled in by ApplyPaths.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:       "anthropic",
			Model:      "claude-sonnet-4-5",
			MaxTokens:  4096,
			MaxRetries: 2,
		},
		Agents: AgentsConfig{
			DefaultModel: "claude-sonnet-4-5",
			DefaultTools: []string{},
			AutoSave:     true,
		},
		Chat: ChatConfig{
			CoordinatorName: "coordinator",
			Watch:           true,
			ArchiveEnabled:  true,
		},
		Notifier: NotifierConfig{
			Enabled:         true,
			Command:         "tmux",
			FallbackSession: "coordinator",
			SubmitDelayMs:   500,
		},
		Watchdog: WatchdogConfig{
			Enabled:           false,
			Schedule:          "@every 2m",
			StallAfterSeconds: 300,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 7420,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   50,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Pretty:    true,
		},
	}
}

// ApplyPaths fills every unset path from DataDir.
func (c *Config) ApplyPaths() {
	if c.Agents.HistoryDir == "" {
		c.Agents.HistoryDir = filepath.Join(c.DataDir, "agents")
	}
	if c.Chat.Path == "" {
		c.Chat.Path = filepath.Join(c.DataDir, "chat.json")
	}
	if c.Chat.ArchivePath == "" {
		c.Chat.ArchivePath = filepath.Join(c.DataDir, "chat.db")
	}
	if c.Registry.Dir == "" {
		c.Registry.Dir = filepath.Join(c.DataDir, "registry")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "parley.log")
	}
}

// PIDFile is where the running daemon records its process id.
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "parley.pid")
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.Provider.APIKey != "" {
		masked.Provider.APIKey = "***"
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate runs the Validator over the config.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}
