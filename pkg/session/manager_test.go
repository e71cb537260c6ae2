package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/history"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/provider/providertest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu     sync.Mutex
	agents map[string]string
}

func (r *fakeRegistry) Register(name, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agents == nil {
		r.agents = make(map[string]string)
	}
	r.agents[name] = id
	return nil
}

func (r *fakeRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
	return nil
}

func (r *fakeRegistry) get(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.agents[name]
	return id, ok
}

func setupTestManager(t *testing.T, p provider.Provider, dir string) (*Manager, *fakeRegistry) {
	t.Helper()

	logger := zerolog.Nop()
	reg := &fakeRegistry{}
	queue := commandqueue.New()
	m, err := NewManager(ManagerConfig{
		Provider:        p,
		Queue:           queue,
		HistoryDir:      dir,
		Defaults:        Options{Model: "default-model", Tools: []string{"Read"}},
		Registry:        reg,
		CoordinatorName: "coordinator",
		Logger:          &logger,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		_ = queue.Close(ctx)
	})
	return m, reg
}

func TestCreateSessionAppliesDefaults(t *testing.T) {
	m, reg := setupTestManager(t, providertest.New(), t.TempDir())

	s, err := m.CreateSession(context.Background(), "Neo", Options{})
	require.NoError(t, err)

	assert.Equal(t, "default-model", s.Model())
	assert.Equal(t, []string{"Read"}, s.Tools())

	id, ok := reg.get("Neo")
	assert.True(t, ok)
	assert.Equal(t, s.ID(), id)

	custom, err := m.CreateSession(context.Background(), "Trinity", Options{Model: "other", Tools: []string{}})
	require.NoError(t, err)
	assert.Equal(t, "other", custom.Model())
	assert.Empty(t, custom.Tools())
}

func TestCreateSessionRejectsDuplicateName(t *testing.T) {
	m, _ := setupTestManager(t, providertest.New(), t.TempDir())

	first, err := m.CreateSession(context.Background(), "Neo", Options{})
	require.NoError(t, err)

	_, err = m.CreateSession(context.Background(), "Neo", Options{})
	assert.ErrorIs(t, err, ErrSessionExists)

	got, ok := m.GetSessionByName("Neo")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Len(t, m.ListSessions(), 1)
}

func TestCreateSessionRejectsInvalidName(t *testing.T) {
	m, _ := setupTestManager(t, providertest.New(), t.TempDir())

	for _, name := range []string{"../etc", "a/b", `a\b`, "nul\x00"} {
		_, err := m.CreateSession(context.Background(), name, Options{})
		assert.ErrorIs(t, err, history.ErrInvalidAgentName, name)
	}
}

func TestCreateSessionRejectsCoordinatorName(t *testing.T) {
	m, reg := setupTestManager(t, providertest.New(), t.TempDir())

	for _, name := range []string{"coordinator", "Coordinator"} {
		_, err := m.CreateSession(context.Background(), name, Options{})
		assert.ErrorIs(t, err, ErrReservedName, name)
	}
	assert.Empty(t, m.ListSessions())
	_, ok := reg.get("coordinator")
	assert.False(t, ok)
}

func TestAnonymousSessionsAreReachableByID(t *testing.T) {
	m, _ := setupTestManager(t, providertest.New(), t.TempDir())

	a, err := m.CreateSession(context.Background(), "", Options{})
	require.NoError(t, err)
	b, err := m.CreateSession(context.Background(), "", Options{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	got, ok := m.GetSessionByID(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = m.LookupAgent("")
	assert.False(t, ok)
}

func TestListSessionsOrdersNamedFirst(t *testing.T) {
	m, _ := setupTestManager(t, providertest.New(), t.TempDir())

	for _, name := range []string{"Zed", "", "Alice"} {
		_, err := m.CreateSession(context.Background(), name, Options{})
		require.NoError(t, err)
	}

	refs := m.ListSessions()
	require.Len(t, refs, 3)
	assert.Equal(t, "Alice", refs[0].Name)
	assert.Equal(t, "Zed", refs[1].Name)
	assert.Empty(t, refs[2].Name)
}

func TestRemoveSession(t *testing.T) {
	p := providertest.New()
	gate := make(chan struct{})
	defer close(gate)
	p.Script(providertest.Reply{Wait: gate})
	m, reg := setupTestManager(t, p, t.TempDir())

	s, err := m.CreateSession(context.Background(), "Neo", Options{})
	require.NoError(t, err)
	require.NoError(t, s.Query(context.Background(), "long job"))
	require.NoError(t, s.Query(context.Background(), "queued"))

	assert.True(t, m.RemoveSession(s.ID()))
	assert.False(t, m.RemoveSession(s.ID()))

	_, ok := m.GetSessionByName("Neo")
	assert.False(t, ok)
	_, ok = reg.get("Neo")
	assert.False(t, ok)
	assert.Empty(t, s.Pending())

	// The name is free again.
	_, err = m.CreateSession(context.Background(), "Neo", Options{})
	require.NoError(t, err)
}

func TestLookupAgentQueuesPrompt(t *testing.T) {
	p := providertest.New()
	m, _ := setupTestManager(t, p, t.TempDir())

	s, err := m.CreateSession(context.Background(), "Neo", Options{})
	require.NoError(t, err)

	agent, ok := m.LookupAgent("Neo")
	require.True(t, ok)
	require.NoError(t, agent.Query(context.Background(), "from chat"))
	waitIdle(t, s)

	assert.Equal(t, []string{"from chat"}, p.Prompts())
}

func TestLoadExistingAgents(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, history.Save(filepath.Join(dir, "Neo.json"), history.File{
		AgentName:              "Neo",
		ProviderConversationID: "conv-neo",
		Messages: []history.Message{
			{ID: 1, Kind: history.KindUser, Content: "hi", Timestamp: time.Now()},
			{ID: 2, Kind: history.KindAssistant, Content: "hello", Timestamp: time.Now()},
		},
	}))
	require.NoError(t, history.Save(filepath.Join(dir, "Morpheus.json"), history.File{AgentName: "Morpheus"}))
	require.NoError(t, history.Save(filepath.Join(dir, "coordinator.json"), history.File{AgentName: "coordinator"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Broken.json"), []byte("{not json"), 0o644))

	m, reg := setupTestManager(t, providertest.New(), dir)

	live, err := m.CreateSession(context.Background(), "Morpheus", Options{})
	require.NoError(t, err)

	restored := m.LoadExistingAgents(context.Background())
	assert.Equal(t, 1, restored)

	neo, ok := m.GetSessionByName("Neo")
	require.True(t, ok)
	assert.Equal(t, StatusIdle, neo.Status())
	assert.Equal(t, "conv-neo", neo.ConversationID())
	assert.Len(t, neo.History(), 2)

	morpheus, _ := m.GetSessionByName("Morpheus")
	assert.Same(t, live, morpheus)

	_, ok = m.GetSessionByName("Broken")
	assert.False(t, ok)
	_, ok = m.GetSessionByName("coordinator")
	assert.False(t, ok)

	_, ok = reg.get("Neo")
	assert.True(t, ok)
}

func TestLoadExistingAgentsMissingDir(t *testing.T) {
	m, _ := setupTestManager(t, providertest.New(), filepath.Join(t.TempDir(), "missing"))
	assert.Zero(t, m.LoadExistingAgents(context.Background()))
}

func TestSessionsShareQueueStats(t *testing.T) {
	p := providertest.New()
	gate := make(chan struct{})
	defer close(gate)
	p.Script(providertest.Reply{Wait: gate})
	m, _ := setupTestManager(t, p, t.TempDir())

	s, err := m.CreateSession(context.Background(), "Neo", Options{})
	require.NoError(t, err)
	require.NoError(t, s.Query(context.Background(), "one"))
	require.NoError(t, s.Query(context.Background(), "two"))

	stats := m.cfg.Queue.GetStats()
	require.Contains(t, stats, "Neo")
	assert.Equal(t, 1, stats["Neo"].Running)
	assert.Equal(t, 1, stats["Neo"].Queued)
}

func TestShutdownClosesSessions(t *testing.T) {
	m, _ := setupTestManager(t, providertest.New(), t.TempDir())

	s, err := m.CreateSession(context.Background(), "Neo", Options{})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Empty(t, m.ListSessions())
	assert.ErrorIs(t, s.Query(context.Background(), "late"), ErrSessionClosed)
}
