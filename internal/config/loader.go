package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "PARLEY"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".parley"), nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	dir, err := defaultDataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "parley.json")
}

// newViper seeds viper with every default so PARLEY_* variables bind to nested
// keys even when no config file exists.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("provider.name", d.Provider.Name)
	v.SetDefault("provider.api_key", d.Provider.APIKey)
	v.SetDefault("provider.base_url", d.Provider.BaseURL)
	v.SetDefault("provider.model", d.Provider.Model)
	v.SetDefault("provider.max_tokens", d.Provider.MaxTokens)
	v.SetDefault("provider.system_prompt", d.Provider.SystemPrompt)
	v.SetDefault("provider.max_retries", d.Provider.MaxRetries)
	v.SetDefault("agents.default_model", d.Agents.DefaultModel)
	v.SetDefault("agents.default_tools", d.Agents.DefaultTools)
	v.SetDefault("agents.auto_save", d.Agents.AutoSave)
	v.SetDefault("agents.history_dir", d.Agents.HistoryDir)
	v.SetDefault("chat.path", d.Chat.Path)
	v.SetDefault("chat.coordinator_name", d.Chat.CoordinatorName)
	v.SetDefault("chat.watch", d.Chat.Watch)
	v.SetDefault("chat.archive_path", d.Chat.ArchivePath)
	v.SetDefault("chat.archive_enabled", d.Chat.ArchiveEnabled)
	v.SetDefault("notifier.enabled", d.Notifier.Enabled)
	v.SetDefault("notifier.command", d.Notifier.Command)
	v.SetDefault("notifier.fallback_session", d.Notifier.FallbackSession)
	v.SetDefault("notifier.submit_delay_ms", d.Notifier.SubmitDelayMs)
	v.SetDefault("registry.dir", d.Registry.Dir)
	v.SetDefault("watchdog.enabled", d.Watchdog.Enabled)
	v.SetDefault("watchdog.schedule", d.Watchdog.Schedule)
	v.SetDefault("watchdog.stall_after_seconds", d.Watchdog.StallAfterSeconds)
	v.SetDefault("gateway.host", d.Gateway.Host)
	v.SetDefault("gateway.port", d.Gateway.Port)
	v.SetDefault("gateway.shared_secret", d.Gateway.SharedSecret)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.redaction", d.Logging.Redaction)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	return v
}

// Load reads the config file, if present, overlays PARLEY_* environment
// variables and fills derived paths.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := newViper()
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = providerKeyFromEnv(cfg.Provider.Name)
	}

	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	cfg.ApplyPaths()

	return cfg, nil
}

// providerKeyFromEnv falls back to the provider's conventional variable.
func providerKeyFromEnv(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

// Save writes the configuration as JSON.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("provider", cfg.Provider)
	v.Set("agents", cfg.Agents)
	v.Set("chat", cfg.Chat)
	v.Set("notifier", cfg.Notifier)
	v.Set("registry", cfg.Registry)
	v.Set("watchdog", cfg.Watchdog)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return os.Chmod(configPath, 0600)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
