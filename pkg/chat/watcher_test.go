package chat

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherPublishesExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.json")
	daemon := setupTestStore(t, path)
	companion := setupTestStore(t, path)

	w, err := NewWatcher(daemon, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	ch, cancel := daemon.Subscribe(0)
	defer cancel()

	_, err = companion.Append("Trinity", "Neo", "written elsewhere")
	require.NoError(t, err)

	select {
	case m := <-ch:
		assert.Equal(t, "written elsewhere", m.Content)
		assert.Equal(t, "Trinity", m.From)
	case <-time.After(3 * time.Second):
		t.Fatal("external write not observed")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	s := setupTestStore(t, "")
	w, err := NewWatcher(s, 0)
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
