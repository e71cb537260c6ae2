// Package watchdog nudges idle agents that have unread chat deliveries.
// A nudge is an ordinary prompt: it queues behind whatever the agent is
// doing and never interrupts it.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/session"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultSchedule   = "@every 2m"
	DefaultStallAfter = 5 * time.Minute
)

// Sessions lists live sessions.
type Sessions interface {
	Sessions() []*session.Session
}

// UnreadSource reports unread delivery ids per agent.
type UnreadSource interface {
	Unread(name string) []int64
}

// Config configures a Watchdog.
type Config struct {
	Schedule   string
	StallAfter time.Duration
	Sessions   Sessions
	Unread     UnreadSource
	Logger     *zerolog.Logger
	Now        func() time.Time
}

// Watchdog runs Check on a cron schedule.
type Watchdog struct {
	cfg    Config
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a watchdog. The schedule accepts five-field cron expressions
// and descriptors such as "@every 2m".
func New(cfg Config) (*Watchdog, error) {
	if cfg.Sessions == nil || cfg.Unread == nil {
		return nil, fmt.Errorf("watchdog requires sessions and an unread source")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = DefaultStallAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	w := &Watchdog{
		cfg:    cfg,
		cron:   cron.New(cron.WithParser(parser)),
		logger: base.With().Str("component", "watchdog").Logger(),
	}
	if _, err := w.cron.AddFunc(cfg.Schedule, func() { w.Check(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid watchdog schedule %q: %w", cfg.Schedule, err)
	}
	return w, nil
}

// Start begins the schedule.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.cron.Start()
	w.logger.Info().Str("schedule", w.cfg.Schedule).Dur("stallAfter", w.cfg.StallAfter).Msg("Watchdog started")
}

// Stop ends the schedule and waits for a running check.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	<-w.cron.Stop().Done()
	w.logger.Info().Msg("Watchdog stopped")
}

// Check nudges every named session that is idle with an empty queue, has
// been idle longer than the stall threshold and has unread deliveries. It
// returns the names nudged.
func (w *Watchdog) Check(ctx context.Context) []string {
	ctx, span := tracing.StartSpan(ctx, "watchdog.check")
	defer span.End()

	now := w.cfg.Now()
	var nudged []string
	for _, s := range w.cfg.Sessions.Sessions() {
		name := s.AgentName()
		if name == "" || s.Status() != session.StatusIdle || len(s.Pending()) > 0 {
			continue
		}
		if now.Sub(s.IdleSince()) < w.cfg.StallAfter {
			continue
		}
		unread := w.cfg.Unread.Unread(name)
		if len(unread) == 0 {
			continue
		}

		// The key keeps overlapping ticks from stacking the same reminder.
		opts := &commandqueue.TaskOptions{DedupKey: fmt.Sprintf("watchdog-%d", unread[len(unread)-1])}
		if _, err := s.Submit(ctx, Reminder(len(unread)), opts); err != nil {
			w.logger.Warn().Err(err).Str("agent", name).Msg("Failed to nudge agent")
			continue
		}
		nudged = append(nudged, name)
		w.logger.Info().Str("agent", name).Int("unread", len(unread)).Msg("Nudged stalled agent")
	}

	span.SetAttributes(attribute.Int("nudged", len(nudged)))
	return nudged
}

// Reminder is the prompt queued on a stalled agent.
func Reminder(unread int) string {
	noun := "messages"
	if unread == 1 {
		noun = "message"
	}
	return fmt.Sprintf("Reminder: you have %d unread chat %s. Check the chat and respond.", unread, noun)
}
