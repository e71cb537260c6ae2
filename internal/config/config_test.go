package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "anthropic", cfg.Provider.Name)
	assert.True(t, cfg.Agents.AutoSave)
	assert.Equal(t, "coordinator", cfg.Chat.CoordinatorName)
	assert.True(t, cfg.Chat.Watch)
	assert.True(t, cfg.Chat.ArchiveEnabled)
	assert.Equal(t, "tmux", cfg.Notifier.Command)
	assert.Equal(t, "coordinator", cfg.Notifier.FallbackSession)
	assert.Equal(t, 500, cfg.Notifier.SubmitDelayMs)
	assert.False(t, cfg.Watchdog.Enabled)
	assert.Equal(t, "@every 2m", cfg.Watchdog.Schedule)
	assert.Equal(t, 300, cfg.Watchdog.StallAfterSeconds)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 7420, cfg.Gateway.Port)
	assert.NoError(t, cfg.Validate())
}

func TestApplyPaths(t *testing.T) {
	t.Run("fills from data dir", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = "/var/parley"
		cfg.ApplyPaths()

		assert.Equal(t, filepath.Join("/var/parley", "agents"), cfg.Agents.HistoryDir)
		assert.Equal(t, filepath.Join("/var/parley", "chat.json"), cfg.Chat.Path)
		assert.Equal(t, filepath.Join("/var/parley", "chat.db"), cfg.Chat.ArchivePath)
		assert.Equal(t, filepath.Join("/var/parley", "registry"), cfg.Registry.Dir)
		assert.Equal(t, filepath.Join("/var/parley", "parley.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join("/var/parley", "parley.pid"), cfg.PIDFile())
	})

	t.Run("keeps explicit paths", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = "/var/parley"
		cfg.Chat.Path = "/shared/chat.json"
		cfg.ApplyPaths()

		assert.Equal(t, "/shared/chat.json", cfg.Chat.Path)
	})
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider.APIKey = "sk-ant-secret"
	cfg.Gateway.SharedSecret = "hunter2"

	out := cfg.String()

	assert.NotContains(t, out, "sk-ant-secret")
	assert.NotContains(t, out, "hunter2")
	assert.Equal(t, "sk-ant-secret", cfg.Provider.APIKey)
}
