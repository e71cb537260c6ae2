package chat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestArchive(t *testing.T) *Archive {
	t.Helper()
	logger := zerolog.Nop()
	a, err := OpenArchive(filepath.Join(t.TempDir(), "chat.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestArchiveSearch(t *testing.T) {
	a := setupTestArchive(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, a.Upsert(ctx,
		Message{ID: 1, From: "Neo", Content: "Deploy finished", Timestamp: now},
		Message{ID: 2, From: "Trinity", To: "Neo", Content: "great work", Timestamp: now},
		Message{ID: 3, From: "Morpheus", Content: "100% done_now", Timestamp: now},
	))

	got, err := a.Search(ctx, "DEPLOY", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
	assert.True(t, now.Equal(got[0].Timestamp))

	got, err = a.Search(ctx, "neo", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(got))

	got, err = a.Search(ctx, "neo", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(got))

	got, err = a.Search(ctx, "%", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(got))

	_, err = a.Search(ctx, " ", 0)
	assert.Error(t, err)
}

func TestArchiveUpsertReplaces(t *testing.T) {
	a := setupTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Upsert(ctx, Message{ID: 1, From: "Neo", Content: "draft"}))
	require.NoError(t, a.Upsert(ctx, Message{ID: 1, From: "Neo", Content: "final"}))

	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := a.Search(ctx, "final", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestArchiveSyncAndMirror(t *testing.T) {
	a := setupTestArchive(t)
	s := setupTestStore(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.Append("Neo", "", "before sync")
	require.NoError(t, err)
	require.NoError(t, a.Sync(ctx, s))

	ch, unsubscribe := s.Subscribe(0)
	defer unsubscribe()
	go a.Mirror(ctx, ch)

	_, err = s.Append("Neo", "", "after sync")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := a.Count(ctx)
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func ids(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
