package cli

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := runCommand(t, "status", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "status")
	})

	t.Run("stopped without a PID file", func(t *testing.T) {
		path, _ := writeTestConfig(t)
		out, err := runCommand(t, "--config", path, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("running with an unreachable gateway", func(t *testing.T) {
		path, cfg := writeTestConfig(t)
		require.NoError(t, os.WriteFile(cfg.PIDFile(), []byte(strconv.Itoa(os.Getpid())), 0o644))

		out, err := runCommand(t, "--config", path, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, out, "Gateway: unreachable")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
