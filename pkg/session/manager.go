package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/history"
	"github.com/harun/parley/pkg/provider"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrSessionExists is returned when a name already has a live session.
	ErrSessionExists = errors.New("session already exists")
	// ErrReservedName is returned for the coordinator's name, which the chat
	// router never delivers to an agent.
	ErrReservedName = errors.New("agent name is reserved")
)

// Registrar mirrors live agent names into the cross-process discovery cache.
type Registrar interface {
	Register(name, sessionID string) error
	Unregister(name string) error
}

// Options are the per-session settings of CreateSession. Zero values fall
// back to the manager defaults.
type Options struct {
	Model        string
	Tools        []string
	SystemPrompt string
	MaxTokens    int
	AutoSave     *bool
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Provider   provider.Provider
	Queue      *commandqueue.Queue
	HistoryDir string
	Defaults   Options
	Retry      provider.RetryPolicy
	Registry   Registrar
	Logger     *zerolog.Logger

	// CoordinatorName is refused as an agent name, ignoring case.
	CoordinatorName string
}

// Ref names a live session.
type Ref struct {
	Name string `json:"name,omitempty"`
	ID   string `json:"id"`
}

// Manager is the in-process registry of live sessions.
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	byName map[string]*Session
	byID   map[string]*Session
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("session manager requires a provider")
	}
	if cfg.Defaults.AutoSave == nil {
		on := true
		cfg.Defaults.AutoSave = &on
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	observability.EnsureRegistered()

	return &Manager{
		cfg:    cfg,
		logger: base.With().Str("component", "session_manager").Logger(),
		byName: make(map[string]*Session),
		byID:   make(map[string]*Session),
	}, nil
}

func (m *Manager) reserved(name string) bool {
	c := strings.TrimSpace(m.cfg.CoordinatorName)
	return c != "" && strings.EqualFold(strings.TrimSpace(name), c)
}

func (m *Manager) sessionConfig(name string, opts Options, restore *history.File) (Config, error) {
	d := m.cfg.Defaults
	cfg := Config{
		AgentName:    name,
		Model:        opts.Model,
		Tools:        opts.Tools,
		SystemPrompt: opts.SystemPrompt,
		MaxTokens:    opts.MaxTokens,
		AutoSave:     *d.AutoSave,
		Provider:     m.cfg.Provider,
		Retry:        m.cfg.Retry,
		Queue:        m.cfg.Queue,
		Logger:       m.cfg.Logger,
		Restore:      restore,
	}
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.Tools == nil {
		cfg.Tools = append([]string(nil), d.Tools...)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = d.SystemPrompt
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if opts.AutoSave != nil {
		cfg.AutoSave = *opts.AutoSave
	}

	if name != "" && m.cfg.HistoryDir != "" {
		path, err := history.PathFor(m.cfg.HistoryDir, name)
		if err != nil {
			return Config{}, err
		}
		cfg.HistoryPath = path
	}
	return cfg, nil
}

// CreateSession creates and registers a session. An empty name creates an
// anonymous session reachable only by id. A name that already has a live
// session yields ErrSessionExists.
func (m *Manager) CreateSession(ctx context.Context, name string, opts Options) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "session.create", attribute.String("agent", name))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if name != "" {
		if err := history.ValidateAgentName(name); err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
		if m.reserved(name) {
			err := fmt.Errorf("%w: %s", ErrReservedName, name)
			tracing.RecordError(span, err)
			return nil, err
		}
	}

	cfg, err := m.sessionConfig(name, opts, nil)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	m.mu.Lock()
	if name != "" {
		if _, exists := m.byName[name]; exists {
			m.mu.Unlock()
			err := fmt.Errorf("%w: %s", ErrSessionExists, name)
			tracing.RecordError(span, err)
			return nil, err
		}
	}

	s, err := New(cfg)
	if err != nil {
		m.mu.Unlock()
		tracing.RecordError(span, err)
		return nil, err
	}
	m.add(s)
	count := len(m.byID)
	m.mu.Unlock()

	observability.SetActiveSessions(count)
	m.register(s)

	logger.Info().Str("agent", name).Str("session_id", s.ID()).Str("model", cfg.Model).Msg("Session created")
	return s, nil
}

func (m *Manager) add(s *Session) {
	m.byID[s.ID()] = s
	if s.AgentName() != "" {
		m.byName[s.AgentName()] = s
	}
}

func (m *Manager) register(s *Session) {
	if m.cfg.Registry == nil || s.AgentName() == "" {
		return
	}
	if err := m.cfg.Registry.Register(s.AgentName(), s.ID()); err != nil {
		m.logger.Warn().Err(err).Str("agent", s.AgentName()).Msg("Failed to update agent registry")
	}
}

// GetSessionByName returns the live session for a name.
func (m *Manager) GetSessionByName(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byName[name]
	return s, ok
}

// GetSessionByID returns the live session with the given id.
func (m *Manager) GetSessionByID(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

// LookupAgent resolves a name for chat delivery.
func (m *Manager) LookupAgent(name string) (chat.Agent, bool) {
	s, ok := m.GetSessionByName(name)
	if !ok {
		return nil, false
	}
	return s, true
}

// RemoveSession detaches a session and discards its queue. The executing
// prompt is cancelled without waiting for the provider call. Returns false
// if no session had that id.
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.byID, id)
	if s.AgentName() != "" && m.byName[s.AgentName()] == s {
		delete(m.byName, s.AgentName())
	}
	count := len(m.byID)
	m.mu.Unlock()

	observability.SetActiveSessions(count)

	s.Cancel()
	// An already-cancelled context closes the lane without waiting for the
	// provider call; its reply is discarded when it returns.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Close(ctx); err != nil {
		m.logger.Debug().Str("session_id", id).Msg("Provider call outlives session removal")
	}

	if m.cfg.Registry != nil && s.AgentName() != "" {
		if err := m.cfg.Registry.Unregister(s.AgentName()); err != nil {
			m.logger.Warn().Err(err).Str("agent", s.AgentName()).Msg("Failed to update agent registry")
		}
	}

	m.logger.Info().Str("agent", s.AgentName()).Str("session_id", id).Msg("Session removed")
	return true
}

// ListSessions returns every live session, named ones first by name.
func (m *Manager) ListSessions() []Ref {
	m.mu.RLock()
	refs := make([]Ref, 0, len(m.byID))
	for id, s := range m.byID {
		refs = append(refs, Ref{Name: s.AgentName(), ID: id})
	}
	m.mu.RUnlock()

	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if (a.Name == "") != (b.Name == "") {
			return a.Name != ""
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return refs
}

// Sessions returns every live session.
func (m *Manager) Sessions() []*Session {
	refs := m.ListSessions()
	out := make([]*Session, 0, len(refs))
	for _, ref := range refs {
		if s, ok := m.GetSessionByID(ref.ID); ok {
			out = append(out, s)
		}
	}
	return out
}

// LoadExistingAgents restores one idle session per history file. Unreadable
// files are skipped and names that already have a live session are left
// alone. A failure to scan the directory yields no sessions.
func (m *Manager) LoadExistingAgents(ctx context.Context) int {
	if m.cfg.HistoryDir == "" {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "session.load_existing")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	entries, err := history.Scan(m.cfg.HistoryDir)
	if err != nil {
		tracing.RecordError(span, err)
		logger.Error().Err(err).Str("dir", m.cfg.HistoryDir).Msg("Failed to scan history directory")
		return 0
	}

	restored := 0
	for _, entry := range entries {
		if m.reserved(entry.AgentName) {
			logger.Warn().Str("agent", entry.AgentName).Str("path", entry.Path).Msg("Skipping history file of reserved name")
			continue
		}
		if _, exists := m.GetSessionByName(entry.AgentName); exists {
			continue
		}

		file, err := history.Load(entry.Path)
		if err != nil {
			logger.Warn().Err(err).Str("path", entry.Path).Msg("Skipping unreadable history file")
			continue
		}

		cfg, err := m.sessionConfig(entry.AgentName, Options{}, &file)
		if err != nil {
			logger.Warn().Err(err).Str("agent", entry.AgentName).Msg("Skipping history file")
			continue
		}

		m.mu.Lock()
		if _, exists := m.byName[entry.AgentName]; exists {
			m.mu.Unlock()
			continue
		}
		s, err := New(cfg)
		if err != nil {
			m.mu.Unlock()
			logger.Warn().Err(err).Str("agent", entry.AgentName).Msg("Failed to restore session")
			continue
		}
		m.add(s)
		m.mu.Unlock()

		m.register(s)
		restored++
		logger.Info().
			Str("agent", entry.AgentName).
			Str("session_id", s.ID()).
			Int("messages", len(file.Messages)).
			Msg("Session restored")
	}

	m.mu.RLock()
	observability.SetActiveSessions(len(m.byID))
	m.mu.RUnlock()

	span.SetAttributes(attribute.Int("restored", restored))
	return restored
}

// Shutdown closes every session, waiting for provider calls until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.byID = make(map[string]*Session)
	m.byName = make(map[string]*Session)
	m.mu.Unlock()

	observability.SetActiveSessions(0)

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}
