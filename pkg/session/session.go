package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/history"
	"github.com/harun/parley/pkg/provider"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrEmptyPrompt is returned by Query for blank prompts.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")
	// ErrSessionClosed is returned by Query after the session was removed.
	ErrSessionClosed = errors.New("session closed")
)

// Config describes one session.
type Config struct {
	AgentName    string // empty for anonymous sessions
	Model        string
	Tools        []string
	SystemPrompt string
	MaxTokens    int
	AutoSave     bool
	HistoryPath  string // durable file; empty disables persistence

	Provider    provider.Provider
	Retry       provider.RetryPolicy
	Queue       *commandqueue.Queue // optional; lanes are registered for stats
	EventBuffer int
	Logger      *zerolog.Logger

	// Restore seeds the session from a durable history file.
	Restore *history.File
}

// Info is a point-in-time description of a session.
type Info struct {
	ID             string    `json:"id"`
	AgentName      string    `json:"agentName,omitempty"`
	Model          string    `json:"model"`
	Tools          []string  `json:"tools"`
	Status         Status    `json:"status"`
	Pending        int       `json:"pending"`
	Messages       int       `json:"messages"`
	ConversationID string    `json:"conversationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	IdleSince      time.Time `json:"idleSince"`
}

// Session is one agent conversation with a single-flight prompt queue.
type Session struct {
	id        string
	cfg       Config
	createdAt time.Time
	logger    zerolog.Logger

	store  *history.Store
	lane   *commandqueue.Lane
	events eventHub

	mu             sync.RWMutex
	conversationID string
	idleSince      time.Time
	userMessages   map[string]int64 // task id -> id of the user message it produced
	closed         bool

	saveMu sync.Mutex
}

// New creates a session. Most callers go through Manager.CreateSession.
func New(cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("session requires a provider")
	}
	if cfg.AgentName != "" {
		if err := history.ValidateAgentName(cfg.AgentName); err != nil {
			return nil, err
		}
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	logCtx := base.With().Str("session_id", id)
	if cfg.AgentName != "" {
		logCtx = logCtx.Str("agent", cfg.AgentName)
	}

	now := time.Now()
	s := &Session{
		id:           id,
		cfg:          cfg,
		createdAt:    now,
		idleSince:    now,
		logger:       logCtx.Logger(),
		store:        history.NewStore(),
		userMessages: make(map[string]int64),
	}

	if cfg.Restore != nil {
		s.store.Restore(cfg.Restore.Messages)
		s.conversationID = cfg.Restore.ProviderConversationID
	}

	laneCfg := commandqueue.LaneConfig{
		Name:     s.laneName(),
		Execute:  s.execute,
		OnStart:  s.onStart,
		OnFinish: s.onFinish,
		OnIdle:   s.onIdle,
		Logger:   &s.logger,
	}
	if cfg.Queue != nil {
		s.lane, err = cfg.Queue.NewLane(laneCfg)
	} else {
		s.lane, err = commandqueue.NewLane(laneCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create lane: %w", err)
	}

	return s, nil
}

func (s *Session) laneName() string {
	if s.cfg.AgentName != "" {
		return s.cfg.AgentName
	}
	return s.id
}

func (s *Session) ID() string        { return s.id }
func (s *Session) AgentName() string { return s.cfg.AgentName }
func (s *Session) Model() string     { return s.cfg.Model }

// Tools returns a copy of the session's toolset.
func (s *Session) Tools() []string {
	return append([]string(nil), s.cfg.Tools...)
}

// Status reports whether a prompt is executing. After Cancel the session is
// idle at once, but a prompt queued before the cancelled provider call
// returns stays pending, and its message-sent is published, only once that
// call has returned. This keeps one provider call in flight per session.
func (s *Session) Status() Status {
	if s.lane.Busy() {
		return StatusProcessing
	}
	return StatusIdle
}

// Pending returns the queued prompts, excluding the executing one.
func (s *Session) Pending() []string {
	return s.lane.Pending()
}

// ConversationID returns the provider-assigned id of the latest reply, if any.
func (s *Session) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// IdleSince returns when the session last became idle.
func (s *Session) IdleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idleSince
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	return Info{
		ID:             s.id,
		AgentName:      s.cfg.AgentName,
		Model:          s.cfg.Model,
		Tools:          s.Tools(),
		Status:         s.Status(),
		Pending:        s.lane.Len(),
		Messages:       s.store.Len(),
		ConversationID: s.ConversationID(),
		CreatedAt:      s.createdAt,
		IdleSince:      s.IdleSince(),
	}
}

// Query submits a prompt. It returns once the prompt is queued; if the
// session was idle the prompt has already started and message-sent has been
// published.
func (s *Session) Query(ctx context.Context, prompt string) error {
	_, err := s.Submit(ctx, prompt, nil)
	return err
}

// Submit is Query with queue options, returning the queued task.
func (s *Session) Submit(ctx context.Context, prompt string, opts *commandqueue.TaskOptions) (commandqueue.Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(prompt) == "" {
		return commandqueue.Task{}, ErrEmptyPrompt
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return commandqueue.Task{}, ErrSessionClosed
	}

	ctx = tracing.WithSessionID(ctx, s.id)
	if s.cfg.AgentName != "" {
		ctx = tracing.WithAgent(ctx, s.cfg.AgentName)
	}
	ctx, span := tracing.StartSpan(ctx, "session.query",
		attribute.String("session_id", s.id),
		attribute.String("agent", s.cfg.AgentName),
	)
	defer span.End()

	task, err := s.lane.Enqueue(ctx, prompt, opts)
	if err != nil {
		tracing.RecordError(span, err)
		if errors.Is(err, commandqueue.ErrLaneClosed) {
			return commandqueue.Task{}, ErrSessionClosed
		}
		return commandqueue.Task{}, err
	}
	return task, nil
}

// History returns a copy of the conversation log.
func (s *Session) History() []history.Message {
	return s.store.Messages()
}

// ClearHistory empties the log. Queued prompts and the executing prompt are
// not affected.
func (s *Session) ClearHistory() {
	s.store.Clear()
	s.logger.Info().Msg("History cleared")
	s.persist()
}

// Cancel stops the executing prompt. The session is idle when Cancel returns;
// the provider call may still finish, and its reply is discarded.
func (s *Session) Cancel() bool {
	return s.lane.Cancel()
}

// Subscribe registers an event receiver. The returned func cancels it and
// closes the channel. buffer <= 0 selects a default.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = s.cfg.EventBuffer
	}
	return s.events.subscribe(buffer)
}

// OnMessage calls fn for every message event, of every kind, and returns
// the session for chaining.
func (s *Session) OnMessage(fn func(history.Message)) *Session {
	events, _ := s.Subscribe(0)
	go func() {
		for e := range events {
			if e.Type == EventMessage && e.Message != nil {
				fn(*e.Message)
			}
		}
	}()
	return s
}

// Close discards pending prompts, cancels the executing one and closes all
// subscriptions. It waits for the provider call to return or ctx to end.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.lane.Close(ctx)
	s.events.close()
	return err
}

func (s *Session) publish(e Event) {
	e.SessionID = s.id
	e.AgentName = s.cfg.AgentName
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events.publish(e)
}

func (s *Session) publishMessage(msg history.Message, named EventType) {
	s.publish(Event{Type: EventMessage, Message: &msg})
	if named != "" {
		s.publish(Event{Type: named, Message: &msg})
	}
}

func (s *Session) onStart(task commandqueue.Task) {
	msg := s.store.Append(history.KindUser, task.Prompt, 0)

	s.mu.Lock()
	s.userMessages[task.ID] = msg.ID
	s.mu.Unlock()

	s.publish(Event{Type: EventStatus, Status: StatusProcessing})
	s.publishMessage(msg, EventMessageSent)
	s.persist()
}

func (s *Session) execute(ctx context.Context, task commandqueue.Task) (any, error) {
	ctx, span := tracing.StartSpan(ctx, "session.execute",
		attribute.String("session_id", s.id),
		attribute.String("agent", s.cfg.AgentName),
		attribute.String("model", s.cfg.Model),
	)
	defer span.End()

	req := provider.Request{
		Prompt:         task.Prompt,
		Model:          s.cfg.Model,
		Tools:          s.Tools(),
		History:        s.turnsBefore(task.ID),
		ConversationID: s.ConversationID(),
		SystemPrompt:   s.cfg.SystemPrompt,
		MaxTokens:      s.cfg.MaxTokens,
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	stream, err := provider.StartWithRetry(ctx, s.cfg.Provider, req, s.cfg.Retry, logger)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	resp, err := provider.Collect(stream, func(chunk string) {
		if ctx.Err() != nil {
			return
		}
		msg := history.Message{Kind: history.KindStream, Content: chunk, Timestamp: time.Now()}
		s.publishMessage(msg, EventStreamChunk)
	})
	observability.RecordProviderRequest(s.cfg.Provider.Name(), err == nil)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("input_tokens", resp.InputTokens),
		attribute.Int("output_tokens", resp.OutputTokens),
	)
	return resp, nil
}

// turnsBefore returns the user and assistant messages that precede the user
// message produced by the given task.
func (s *Session) turnsBefore(taskID string) []provider.Turn {
	s.mu.RLock()
	userID := s.userMessages[taskID]
	s.mu.RUnlock()

	var turns []provider.Turn
	for _, m := range s.store.Messages() {
		if m.ID == userID {
			continue
		}
		switch m.Kind {
		case history.KindUser:
			turns = append(turns, provider.Turn{Role: provider.RoleUser, Content: m.Content})
		case history.KindAssistant:
			turns = append(turns, provider.Turn{Role: provider.RoleAssistant, Content: m.Content})
		}
	}
	return turns
}

func (s *Session) onFinish(o commandqueue.Outcome) {
	s.mu.Lock()
	delete(s.userMessages, o.Task.ID)
	s.mu.Unlock()

	if o.Discarded {
		s.logger.Debug().Str("taskId", o.Task.ID).Msg("Discarding reply of cancelled prompt")
		return
	}

	if o.Err != nil {
		msg := s.store.Append(history.KindError, o.Err.Error(), 0)
		s.logger.Error().Err(o.Err).Str("taskId", o.Task.ID).Msg("Prompt failed")
		s.publishMessage(msg, EventError)
		s.persist()
		return
	}

	resp, _ := o.Value.(*provider.Response)
	if resp == nil {
		resp = &provider.Response{}
	}

	// The latest reply's id is kept; session-started fires for the first one.
	if resp.ConversationID != "" {
		s.mu.Lock()
		first := s.conversationID == ""
		s.conversationID = resp.ConversationID
		s.mu.Unlock()
		if first {
			s.publish(Event{Type: EventSessionStarted, ConversationID: resp.ConversationID})
		}
	}

	msg := s.store.Append(history.KindAssistant, resp.Content, o.Duration)
	s.publishMessage(msg, EventMessageReceived)
	s.persist()
}

func (s *Session) onIdle() {
	s.mu.Lock()
	s.idleSince = time.Now()
	s.mu.Unlock()

	s.publish(Event{Type: EventStatus, Status: StatusIdle})
}

// persist rewrites the durable history file when auto-save is on. Failures
// are logged; the in-memory log stays authoritative.
func (s *Session) persist() {
	if !s.cfg.AutoSave || s.cfg.HistoryPath == "" {
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	start := time.Now()
	err := history.Save(s.cfg.HistoryPath, history.File{
		AgentName:              s.cfg.AgentName,
		ProviderConversationID: s.ConversationID(),
		Messages:               s.store.Messages(),
	})
	observability.RecordHistorySave(time.Since(start))
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.cfg.HistoryPath).Msg("Failed to save history")
	}
}
