package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrLaneClosed is returned when enqueuing into a closed lane.
	ErrLaneClosed = errors.New("lane closed")
	// ErrNoExecutor is returned by NewLane when no executor is configured.
	ErrNoExecutor = errors.New("lane has no executor")
)

// Task is one prompt submitted to a lane.
type Task struct {
	ID         string
	Lane       string
	Prompt     string
	Generation int
	EnqueuedAt time.Time
	StartedAt  time.Time

	ctx context.Context
}

// Outcome is the result of executing a task. Discarded is set when the lane
// was cancelled while the task ran; its value must not be used.
type Outcome struct {
	Task      Task
	Value     any
	Err       error
	Duration  time.Duration
	Discarded bool
}

// Executor runs one task. ctx is cancelled by Lane.Cancel and Lane.Close.
type Executor func(ctx context.Context, task Task) (any, error)

// TaskOptions tunes a single Enqueue.
type TaskOptions struct {
	// DedupKey suppresses a repeat submission with the same key while the
	// queue's dedup window is open. Ignored on lanes without a Queue.
	DedupKey string
}

// LaneConfig configures a lane. Hooks run on the goroutine that triggered
// them and must not call Cancel or Close on the same lane.
type LaneConfig struct {
	Name    string
	Execute Executor

	// OnStart runs when a task is dequeued, before Execute is called. When
	// the lane was idle this happens inside Enqueue.
	OnStart func(task Task)
	// OnFinish runs with every outcome while the task is still the
	// lane's running task.
	OnFinish func(outcome Outcome)
	// OnIdle runs whenever the lane stops processing: after a task
	// finishes and after Cancel.
	OnIdle func()

	Logger *zerolog.Logger
}

type runningTask struct {
	task   Task
	cancel context.CancelFunc
}

// Lane is a FIFO of pending prompts with single-flight execution.
type Lane struct {
	cfg    LaneConfig
	queue  *Queue
	logger zerolog.Logger

	mu         sync.Mutex
	pending    []*Task
	running    *runningTask
	inflight   bool
	generation int
	seq        int
	closed     bool

	// finishMu orders Cancel against the generation check in finish.
	finishMu sync.Mutex
	wg       sync.WaitGroup
}

// NewLane creates a lane that is not attached to any Queue.
func NewLane(cfg LaneConfig) (*Lane, error) {
	return newLane(cfg, nil)
}

func newLane(cfg LaneConfig, q *Queue) (*Lane, error) {
	if cfg.Execute == nil {
		return nil, ErrNoExecutor
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("lane name cannot be empty")
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	observability.EnsureRegistered()

	return &Lane{
		cfg:    cfg,
		queue:  q,
		logger: base.With().Str("lane", cfg.Name).Logger(),
	}, nil
}

// Name returns the lane name.
func (l *Lane) Name() string {
	return l.cfg.Name
}

// Enqueue appends a prompt. If the lane is idle the prompt is dequeued and
// OnStart has run before Enqueue returns. Enqueue never waits for execution.
func (l *Lane) Enqueue(ctx context.Context, prompt string, opts *TaskOptions) (Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var dedupKey string
	if opts != nil && opts.DedupKey != "" && l.queue != nil {
		dedupKey = l.cfg.Name + "/" + opts.DedupKey
		if prev, ok := l.queue.dedup.Get(dedupKey); ok {
			l.logger.Debug().Str("dedupKey", opts.DedupKey).Str("taskId", prev.ID).Msg("Duplicate prompt suppressed")
			return prev, nil
		}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Task{}, ErrLaneClosed
	}
	l.seq++
	task := &Task{
		ID:         fmt.Sprintf("%s-%d", l.cfg.Name, l.seq),
		Lane:       l.cfg.Name,
		Prompt:     prompt,
		Generation: l.generation,
		EnqueuedAt: time.Now(),
		ctx:        tracing.Detach(ctx),
	}
	l.pending = append(l.pending, task)
	queueSize := len(l.pending)
	l.mu.Unlock()

	if dedupKey != "" {
		l.queue.dedup.Set(dedupKey, *task)
	}

	logger := tracing.LoggerFromContext(ctx, l.logger)
	logger.Debug().
		Str("taskId", task.ID).
		Int("queueSize", queueSize).
		Msg("Prompt enqueued")

	observability.RecordPromptEnqueued(l.cfg.Name, queueSize)
	l.emit(Event{
		Type:   EventEnqueued,
		Lane:   l.cfg.Name,
		TaskID: task.ID,
		Data:   map[string]interface{}{"queueSize": queueSize},
	})

	l.dispatch()
	return *task, nil
}

// dispatch starts the head of the queue if nothing is executing.
func (l *Lane) dispatch() {
	l.mu.Lock()
	if l.closed || l.inflight || len(l.pending) == 0 {
		l.mu.Unlock()
		return
	}

	task := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]

	task.Generation = l.generation
	task.StartedAt = time.Now()
	runCtx, cancel := context.WithCancel(task.ctx)
	l.running = &runningTask{task: *task, cancel: cancel}
	l.inflight = true
	queueSize := len(l.pending)
	l.wg.Add(1)
	l.mu.Unlock()

	observability.SetQueueSize(l.cfg.Name, queueSize)
	l.logger.Debug().
		Str("taskId", task.ID).
		Int("queueSize", queueSize).
		Dur("waited", task.StartedAt.Sub(task.EnqueuedAt)).
		Msg("Prompt started")

	if l.cfg.OnStart != nil {
		l.cfg.OnStart(*task)
	}
	l.emit(Event{Type: EventStarted, Lane: l.cfg.Name, TaskID: task.ID})

	go l.execute(runCtx, cancel, *task)
}

func (l *Lane) execute(ctx context.Context, cancel context.CancelFunc, task Task) {
	defer l.wg.Done()
	defer cancel()

	value, err := l.cfg.Execute(ctx, task)
	duration := time.Since(task.StartedAt)

	l.finishMu.Lock()
	l.mu.Lock()
	discarded := task.Generation != l.generation
	l.mu.Unlock()

	outcome := Outcome{
		Task:      task,
		Value:     value,
		Err:       err,
		Duration:  duration,
		Discarded: discarded,
	}
	if l.cfg.OnFinish != nil {
		l.cfg.OnFinish(outcome)
	}

	l.mu.Lock()
	l.inflight = false
	if !discarded {
		l.running = nil
	}
	queueSize := len(l.pending)
	l.mu.Unlock()
	l.finishMu.Unlock()

	status := "success"
	switch {
	case discarded:
		status = "cancelled"
		l.logger.Debug().Str("taskId", task.ID).Dur("duration", duration).Msg("Cancelled prompt returned")
	case err != nil:
		status = "error"
		l.logger.Warn().Str("taskId", task.ID).Dur("duration", duration).Err(err).Msg("Prompt failed")
	default:
		l.logger.Debug().Str("taskId", task.ID).Dur("duration", duration).Msg("Prompt completed")
	}
	observability.RecordPromptCompleted(l.cfg.Name, status, duration, queueSize)

	if !discarded && l.cfg.OnIdle != nil {
		l.cfg.OnIdle()
	}

	l.emit(Event{
		Type:   EventCompleted,
		Lane:   l.cfg.Name,
		TaskID: task.ID,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"status":   status,
		},
	})

	l.dispatch()
}

// Cancel stops the running prompt. The lane reports idle immediately; the
// next pending prompt starts only after the cancelled call returns, and that
// call's outcome is Discarded. Returns false if nothing was running.
func (l *Lane) Cancel() bool {
	l.finishMu.Lock()
	l.mu.Lock()
	if l.running == nil {
		l.mu.Unlock()
		l.finishMu.Unlock()
		return false
	}
	rt := l.running
	l.running = nil
	l.generation++
	generation := l.generation
	l.mu.Unlock()
	l.finishMu.Unlock()

	rt.cancel()
	l.logger.Info().Str("taskId", rt.task.ID).Int("generation", generation).Msg("Prompt cancelled")

	if l.cfg.OnIdle != nil {
		l.cfg.OnIdle()
	}
	return true
}

// Running returns the executing task, if any.
func (l *Lane) Running() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running == nil {
		return Task{}, false
	}
	return l.running.task, true
}

// Busy reports whether a task is logically executing.
func (l *Lane) Busy() bool {
	_, ok := l.Running()
	return ok
}

// Pending returns the queued prompts in order, excluding the running one.
func (l *Lane) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.pending))
	for i, t := range l.pending {
		out[i] = t.Prompt
	}
	return out
}

// Len returns the number of queued prompts.
func (l *Lane) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Clear drops every queued prompt and returns how many were dropped. The
// running prompt is not affected.
func (l *Lane) Clear() int {
	l.mu.Lock()
	count := len(l.pending)
	l.pending = nil
	l.mu.Unlock()

	if count > 0 {
		l.logger.Info().Int("cleared", count).Msg("Lane cleared")
	}
	observability.SetQueueSize(l.cfg.Name, 0)
	return count
}

// Stats reports queued and running counts.
func (l *Lane) Stats() LaneStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := LaneStats{
		Queued:     len(l.pending),
		Generation: l.generation,
	}
	if l.running != nil {
		stats.Running = 1
	}
	if l.inflight {
		stats.Inflight = 1
	}
	return stats
}

// Close discards the queue, cancels the running prompt and waits for its
// call to return or ctx to end.
func (l *Lane) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.pending = nil
	var rt *runningTask
	if l.running != nil {
		rt = l.running
		l.running = nil
		l.generation++
	}
	l.mu.Unlock()

	if rt != nil {
		rt.cancel()
	}
	if l.queue != nil {
		l.queue.remove(l)
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lane) emit(event Event) {
	if l.queue != nil {
		l.queue.emit(event)
	}
}
