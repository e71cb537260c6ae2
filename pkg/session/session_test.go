package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/parley/pkg/history"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/provider/providertest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestSession(t *testing.T, p provider.Provider, mutate ...func(*Config)) *Session {
	t.Helper()

	logger := zerolog.Nop()
	cfg := Config{
		AgentName: "Neo",
		Model:     "test-model",
		Tools:     []string{"Read", "Write"},
		Provider:  p,
		Retry:     provider.RetryPolicy{MaxRetries: 0},
		Logger:    &logger,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Status() == StatusIdle && len(s.Pending()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func kinds(msgs []history.Message) []history.Kind {
	out := make([]history.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func TestQueryRecordsExchange(t *testing.T) {
	p := providertest.New()
	s := setupTestSession(t, p)

	require.NoError(t, s.Query(context.Background(), "hello"))
	waitIdle(t, s)

	msgs := s.History()
	require.Len(t, msgs, 2)
	assert.Equal(t, history.KindUser, msgs[0].Kind)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, history.KindAssistant, msgs[1].Kind)
	assert.Equal(t, "reply to hello", msgs[1].Content)
	assert.Less(t, msgs[0].ID, msgs[1].ID)
	assert.Equal(t, "conv-test", s.ConversationID())

	req := p.Requests()[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, []string{"Read", "Write"}, req.Tools)
	assert.Empty(t, req.History)
}

func TestQueryRejectsEmptyPrompt(t *testing.T) {
	s := setupTestSession(t, providertest.New())

	assert.ErrorIs(t, s.Query(context.Background(), "   "), ErrEmptyPrompt)
	assert.Empty(t, s.History())
}

func TestQueryIsFIFOAndSingleFlight(t *testing.T) {
	p := providertest.New()
	gate := make(chan struct{})
	p.Script(providertest.Reply{Chunks: []string{"one"}, Wait: gate})
	s := setupTestSession(t, p)

	ctx := context.Background()
	require.NoError(t, s.Query(ctx, "first"))
	require.NoError(t, s.Query(ctx, "second"))
	require.NoError(t, s.Query(ctx, "third"))

	assert.Equal(t, StatusProcessing, s.Status())
	assert.Equal(t, []string{"second", "third"}, s.Pending())

	close(gate)
	waitIdle(t, s)

	assert.Equal(t, []string{"first", "second", "third"}, p.Prompts())
	assert.Equal(t, 1, p.MaxConcurrent())

	msgs := s.History()
	require.Len(t, msgs, 6)
	assert.Equal(t, []history.Kind{
		history.KindUser, history.KindAssistant,
		history.KindUser, history.KindAssistant,
		history.KindUser, history.KindAssistant,
	}, kinds(msgs))
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "one", msgs[1].Content)
	assert.Equal(t, "second", msgs[2].Content)
}

func TestLaterPromptsCarryHistory(t *testing.T) {
	p := providertest.New()
	s := setupTestSession(t, p)

	require.NoError(t, s.Query(context.Background(), "first"))
	waitIdle(t, s)
	require.NoError(t, s.Query(context.Background(), "second"))
	waitIdle(t, s)

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []provider.Turn{
		{Role: provider.RoleUser, Content: "first"},
		{Role: provider.RoleAssistant, Content: "reply to first"},
	}, reqs[1].History)
	assert.Equal(t, "conv-test", reqs[1].ConversationID)
}

func TestMessageSentIsPublishedBeforeQueryReturns(t *testing.T) {
	p := providertest.New()
	gate := make(chan struct{})
	defer close(gate)
	p.Script(providertest.Reply{Wait: gate})
	s := setupTestSession(t, p)

	events, cancel := s.Subscribe(0)
	defer cancel()

	require.NoError(t, s.Query(context.Background(), "ping"))

	// The user message exists as soon as Query returns.
	msgs := s.History()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", msgs[0].Content)

	var sent *Event
	timeout := time.After(time.Second)
	for sent == nil {
		select {
		case e := <-events:
			if e.Type == EventMessageSent {
				sent = &e
			}
		case <-timeout:
			t.Fatal("message-sent not delivered")
		}
	}
	require.NotNil(t, sent.Message)
	assert.Equal(t, msgs[0].ID, sent.Message.ID)
	assert.Equal(t, "Neo", sent.AgentName)
	assert.Equal(t, s.ID(), sent.SessionID)
}

func TestQueuedPromptIsNotInHistoryUntilItStarts(t *testing.T) {
	p := providertest.New()
	gate := make(chan struct{})
	p.Script(providertest.Reply{Wait: gate})
	s := setupTestSession(t, p)

	require.NoError(t, s.Query(context.Background(), "first"))
	require.NoError(t, s.Query(context.Background(), "second"))

	msgs := s.History()
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].Content)

	close(gate)
	waitIdle(t, s)
	assert.Len(t, s.History(), 4)
}

func TestProviderErrorAdvancesQueue(t *testing.T) {
	p := providertest.New()
	p.Script(providertest.Reply{StartErr: errors.New("boom")})
	s := setupTestSession(t, p)

	events, cancel := s.Subscribe(0)
	defer cancel()

	require.NoError(t, s.Query(context.Background(), "first"))
	require.NoError(t, s.Query(context.Background(), "second"))
	waitIdle(t, s)

	msgs := s.History()
	assert.Equal(t, []history.Kind{
		history.KindUser, history.KindError,
		history.KindUser, history.KindAssistant,
	}, kinds(msgs))
	assert.Contains(t, msgs[1].Content, "boom")

	var sawError bool
	timeout := time.After(time.Second)
	for !sawError {
		select {
		case e := <-events:
			sawError = e.Type == EventError
		case <-timeout:
			t.Fatal("error event not delivered")
		}
	}
}

func TestStreamErrorRecordsErrorMessage(t *testing.T) {
	p := providertest.New()
	p.Script(providertest.Reply{Chunks: []string{"partial"}, Err: errors.New("stream broke")})
	s := setupTestSession(t, p)

	require.NoError(t, s.Query(context.Background(), "hi"))
	waitIdle(t, s)

	msgs := s.History()
	require.Len(t, msgs, 2)
	assert.Equal(t, history.KindError, msgs[1].Kind)
	assert.Contains(t, msgs[1].Content, "stream broke")
}

func TestCancelDiscardsReply(t *testing.T) {
	p := providertest.New()
	gate := make(chan struct{})
	p.Script(providertest.Reply{Chunks: []string{"stale"}, Wait: gate, IgnoreCancel: true})
	s := setupTestSession(t, p)

	require.NoError(t, s.Query(context.Background(), "slow"))
	<-p.Started()

	assert.True(t, s.Cancel())
	assert.Equal(t, StatusIdle, s.Status())
	assert.False(t, s.Cancel())

	require.NoError(t, s.Query(context.Background(), "next"))
	close(gate)
	waitIdle(t, s)

	require.Eventually(t, func() bool { return len(s.History()) == 3 }, time.Second, 5*time.Millisecond)
	msgs := s.History()
	assert.Equal(t, []history.Kind{history.KindUser, history.KindUser, history.KindAssistant}, kinds(msgs))
	assert.Equal(t, "reply to next", msgs[2].Content)
	for _, m := range msgs {
		assert.NotEqual(t, "stale", m.Content)
	}
	assert.Equal(t, 1, p.MaxConcurrent())
}

func TestPromptAfterCancelWaitsForCancelledCall(t *testing.T) {
	p := providertest.New()
	gate := make(chan struct{})
	p.Script(providertest.Reply{Chunks: []string{"stale"}, Wait: gate, IgnoreCancel: true})
	s := setupTestSession(t, p)

	require.NoError(t, s.Query(context.Background(), "slow"))
	<-p.Started()
	require.True(t, s.Cancel())

	events, cancel := s.Subscribe(0)
	defer cancel()

	require.NoError(t, s.Query(context.Background(), "next"))
	assert.Equal(t, StatusIdle, s.Status())
	assert.Equal(t, []string{"next"}, s.Pending())
	assert.Len(t, s.History(), 1)

	select {
	case e := <-events:
		t.Fatalf("unexpected %s event while the cancelled call is running", e.Type)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == EventMessageSent {
				assert.Equal(t, "next", e.Message.Content)
				waitIdle(t, s)
				assert.Equal(t, 1, p.MaxConcurrent())
				return
			}
		case <-deadline:
			t.Fatal("next prompt never started")
		}
	}
}

func TestClearHistoryKeepsIDsMonotonic(t *testing.T) {
	s := setupTestSession(t, providertest.New())

	require.NoError(t, s.Query(context.Background(), "one"))
	waitIdle(t, s)
	last := s.History()[1].ID

	s.ClearHistory()
	assert.Empty(t, s.History())

	require.NoError(t, s.Query(context.Background(), "two"))
	waitIdle(t, s)

	msgs := s.History()
	require.Len(t, msgs, 2)
	assert.Greater(t, msgs[0].ID, last)
}

func TestStatusEventsBracketExecution(t *testing.T) {
	s := setupTestSession(t, providertest.New())
	events, cancel := s.Subscribe(0)
	defer cancel()

	require.NoError(t, s.Query(context.Background(), "hi"))
	waitIdle(t, s)

	var statuses []Status
	var types []EventType
	timeout := time.After(time.Second)
	for len(statuses) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
			if e.Type == EventStatus {
				statuses = append(statuses, e.Status)
			}
		case <-timeout:
			t.Fatalf("got events %v", types)
		}
	}
	assert.Equal(t, []Status{StatusProcessing, StatusIdle}, statuses)
	assert.Contains(t, types, EventStreamChunk)
	assert.Contains(t, types, EventMessageReceived)
	assert.Contains(t, types, EventSessionStarted)
}

func TestSessionStartedFiresOnce(t *testing.T) {
	s := setupTestSession(t, providertest.New())
	events, _ := s.Subscribe(0)

	for _, prompt := range []string{"a", "b", "c"} {
		require.NoError(t, s.Query(context.Background(), prompt))
	}
	waitIdle(t, s)
	// Close drains queued events before closing the channel.
	require.NoError(t, s.Close(context.Background()))

	started := 0
	for e := range events {
		if e.Type == EventSessionStarted {
			started++
			assert.Equal(t, "conv-test", e.ConversationID)
		}
	}
	assert.Equal(t, 1, started)
}

func TestConversationIDTracksLatestReply(t *testing.T) {
	p := providertest.New()
	p.Script(
		providertest.Reply{Chunks: []string{"one"}, ConversationID: "msg-1"},
		providertest.Reply{Chunks: []string{"two"}, ConversationID: "msg-2"},
	)
	s := setupTestSession(t, p)
	events, _ := s.Subscribe(0)

	require.NoError(t, s.Query(context.Background(), "a"))
	require.NoError(t, s.Query(context.Background(), "b"))
	waitIdle(t, s)
	assert.Equal(t, "msg-2", s.ConversationID())
	require.NoError(t, s.Close(context.Background()))

	var started []string
	for e := range events {
		if e.Type == EventSessionStarted {
			started = append(started, e.ConversationID)
		}
	}
	assert.Equal(t, []string{"msg-1"}, started)
}

func TestOnMessageSeesEveryKind(t *testing.T) {
	s := setupTestSession(t, providertest.New())

	seen := make(chan history.Kind, 16)
	s.OnMessage(func(m history.Message) { seen <- m.Kind })

	require.NoError(t, s.Query(context.Background(), "hi"))
	waitIdle(t, s)

	got := map[history.Kind]bool{}
	require.Eventually(t, func() bool {
		for {
			select {
			case k := <-seen:
				got[k] = true
			default:
				return got[history.KindUser] && got[history.KindStream] && got[history.KindAssistant]
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestHistoryPersistsAndRestores(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Neo.json")
	p := providertest.New()
	p.Script(providertest.Reply{Chunks: []string{"hello back"}, ConversationID: "conv-42"})

	s := setupTestSession(t, p, func(c *Config) {
		c.AutoSave = true
		c.HistoryPath = path
	})
	require.NoError(t, s.Query(context.Background(), "hello"))
	waitIdle(t, s)

	var file history.File
	require.Eventually(t, func() bool {
		var err error
		file, err = history.Load(path)
		return err == nil && len(file.Messages) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Neo", file.AgentName)
	assert.Equal(t, "conv-42", file.ProviderConversationID)

	restored := setupTestSession(t, providertest.New(), func(c *Config) {
		c.AgentName = "Trinity"
		c.Restore = &file
	})
	assert.Equal(t, "conv-42", restored.ConversationID())
	assert.Equal(t, StatusIdle, restored.Status())
	require.Len(t, restored.History(), 2)

	require.NoError(t, restored.Query(context.Background(), "again"))
	waitIdle(t, restored)
	msgs := restored.History()
	require.Len(t, msgs, 4)
	assert.Greater(t, msgs[2].ID, msgs[1].ID)
}

func TestAutoSaveOffWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Neo.json")
	s := setupTestSession(t, providertest.New(), func(c *Config) {
		c.HistoryPath = path
	})

	require.NoError(t, s.Query(context.Background(), "hello"))
	waitIdle(t, s)

	assert.NoFileExists(t, path)
}

func TestQueryAfterCloseFails(t *testing.T) {
	s := setupTestSession(t, providertest.New())
	require.NoError(t, s.Close(context.Background()))

	assert.ErrorIs(t, s.Query(context.Background(), "late"), ErrSessionClosed)
}

func TestInfoSnapshot(t *testing.T) {
	s := setupTestSession(t, providertest.New())

	info := s.Info()
	assert.Equal(t, s.ID(), info.ID)
	assert.Equal(t, "Neo", info.AgentName)
	assert.Equal(t, "test-model", info.Model)
	assert.Equal(t, StatusIdle, info.Status)
	assert.Zero(t, info.Messages)
}
