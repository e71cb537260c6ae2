package daemon

import (
	"context"
	"time"

	"github.com/harun/parley/internal/observability"
)

const maintenanceInterval = 30 * time.Second

// EventLoop handles the main event processing loop
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run runs the event loop with periodic maintenance tasks
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.log.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.log.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks refreshes gauges and logs busy lanes.
func (e *EventLoop) processTasks(ctx context.Context) {
	sessions := e.daemon.sessions.Sessions()
	observability.SetActiveSessions(len(sessions))

	for lane, stats := range e.daemon.queue.GetStats() {
		if stats.Queued > 0 || stats.Running > 0 {
			e.daemon.log.Debug().
				Str("lane", lane).
				Int("queued", stats.Queued).
				Int("running", stats.Running).
				Msg("Queue stats")
		}
	}

	if e.daemon.archive != nil {
		if n, err := e.daemon.archive.Count(ctx); err == nil {
			e.daemon.log.Debug().Int("archived", n).Int64("lastMessageId", e.daemon.store.LastMessageID()).Msg("Chat archive stats")
		}
	}
}

// HandleShutdown waits a bounded time for running prompts to finish.
func (e *EventLoop) HandleShutdown() {
	e.daemon.log.Info().Msg("Handling graceful shutdown")

	if e.daemon.queue.WaitForActive(drainTimeout) {
		e.daemon.log.Info().Msg("All active tasks completed")
		return
	}
	e.daemon.log.Warn().Msg("Active tasks still running, cancelling")
}
