package commandqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	EventEnqueued  = "enqueued"
	EventStarted   = "started"
	EventCompleted = "completed"
)

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string                 // enqueued, started or completed
	Lane   string                 // Lane name
	TaskID string                 // Task ID
	Data   map[string]interface{} // Additional event data
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	Inflight   int `json:"inflight"`
	Generation int `json:"generation"`
}

// Queue groups the lanes of one process for stats, events, dedup and
// shutdown. Lane names are unique within a Queue.
type Queue struct {
	mu    sync.RWMutex
	lanes map[string]*Lane

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex

	dedup  *dedupCache
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty Queue with the default dedup window.
func New() *Queue {
	return NewWithDedupTTL(5 * time.Minute)
}

// NewWithDedupTTL creates an empty Queue with a custom dedup window.
func NewWithDedupTTL(ttl time.Duration) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:         make(map[string]*Lane),
		eventHandlers: make(map[string][]EventHandler),
		dedup:         newDedupCache(ctx, ttl),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// NewLane creates a lane registered with the queue.
func (q *Queue) NewLane(cfg LaneConfig) (*Lane, error) {
	lane, err := newLane(cfg, q)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.lanes[cfg.Name]; exists {
		return nil, fmt.Errorf("lane %q already exists", cfg.Name)
	}
	q.lanes[cfg.Name] = lane

	log.Debug().Str("lane", cfg.Name).Msg("Lane initialized")
	return lane, nil
}

// Lane returns a registered lane.
func (q *Queue) Lane(name string) (*Lane, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	lane, ok := q.lanes[name]
	return lane, ok
}

func (q *Queue) remove(lane *Lane) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lanes[lane.Name()] == lane {
		delete(q.lanes, lane.Name())
	}
}

func (q *Queue) snapshot() []*Lane {
	q.mu.RLock()
	defer q.mu.RUnlock()

	lanes := make([]*Lane, 0, len(q.lanes))
	for _, lane := range q.lanes {
		lanes = append(lanes, lane)
	}
	sort.Slice(lanes, func(i, j int) bool { return lanes[i].Name() < lanes[j].Name() })
	return lanes
}

// GetStats returns statistics for all lanes
func (q *Queue) GetStats() map[string]LaneStats {
	stats := make(map[string]LaneStats)
	for _, lane := range q.snapshot() {
		stats[lane.Name()] = lane.Stats()
	}
	return stats
}

// Totals sums queued and running prompts across lanes.
func (q *Queue) Totals() (queued, running int) {
	for _, lane := range q.snapshot() {
		s := lane.Stats()
		queued += s.Queued
		running += s.Running
	}
	return queued, running
}

// WaitForActive waits until no lane has a call in flight.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		drained := true
		for _, lane := range q.snapshot() {
			if lane.Stats().Inflight > 0 {
				drained = false
				break
			}
		}

		if drained {
			log.Info().Msg("All active prompts completed")
			return true
		}

		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active prompts")
			return false
		}

		<-ticker.C
	}
}

// Close closes every lane and stops the dedup cache.
func (q *Queue) Close(ctx context.Context) error {
	var firstErr error
	for _, lane := range q.snapshot() {
		if err := lane.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	q.dedup.Stop()
	q.cancel()
	return firstErr
}

// On registers an event handler for a specific event type
func (q *Queue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (q *Queue) Off(eventType string) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	delete(q.eventHandlers, eventType)
}

// emit calls handlers synchronously in registration order
func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
