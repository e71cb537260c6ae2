package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAgentName(t *testing.T) {
	tests := []struct {
		name    string
		agent   string
		wantErr bool
	}{
		{"plain", "Neo", false},
		{"with dash", "build-bot", false},
		{"empty", "", true},
		{"traversal", "../etc", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"null byte", "a\x00b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAgentName(tt.agent)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAgentName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path, err := PathFor(dir, "Neo")
	require.NoError(t, err)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := File{
		AgentName:              "Neo",
		ProviderConversationID: "msg_123",
		Messages: []Message{
			{ID: 1, Kind: KindUser, Content: "hello", Timestamp: ts},
			{ID: 2, Kind: KindAssistant, Content: "hi", Timestamp: ts, DurationMs: 42},
		},
	}
	require.NoError(t, Save(path, f))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, f, loaded)

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSaveWritesEmptyMessagesArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Neo.json")
	require.NoError(t, Save(path, File{AgentName: "Neo"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"messages": []`)
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Neo.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(filepath.Join(dir, "Trinity.json"), File{AgentName: "Trinity"}))
	require.NoError(t, Save(filepath.Join(dir, "Neo.json"), File{AgentName: "Neo"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0700))

	entries, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Neo", entries[0].AgentName)
	assert.Equal(t, filepath.Join(dir, "Neo.json"), entries[0].Path)
	assert.Equal(t, "Trinity", entries[1].AgentName)
}

func TestScanMissingDir(t *testing.T) {
	entries, err := Scan(filepath.Join(t.TempDir(), "missing"))
	assert.NoError(t, err)
	assert.Empty(t, entries)
}
