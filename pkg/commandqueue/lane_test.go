package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gate blocks each execution until released, so tests control completion.
type gate struct {
	mu       sync.Mutex
	started  []string
	release  chan struct{}
	inflight int32
	overlap  int32
}

func newGate() *gate {
	return &gate{release: make(chan struct{}, 100)}
}

func (g *gate) execute(ctx context.Context, task Task) (any, error) {
	if atomic.AddInt32(&g.inflight, 1) > 1 {
		atomic.StoreInt32(&g.overlap, 1)
	}
	defer atomic.AddInt32(&g.inflight, -1)

	g.mu.Lock()
	g.started = append(g.started, task.Prompt)
	g.mu.Unlock()

	select {
	case <-g.release:
		return "done:" + task.Prompt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) startedPrompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

func setupTestLane(t *testing.T, cfg LaneConfig) *Lane {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	lane, err := NewLane(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = lane.Close(ctx)
	})
	return lane
}

func TestNewLaneValidation(t *testing.T) {
	_, err := NewLane(LaneConfig{Name: "x"})
	assert.ErrorIs(t, err, ErrNoExecutor)

	_, err = NewLane(LaneConfig{Execute: func(context.Context, Task) (any, error) { return nil, nil }})
	assert.Error(t, err)
}

func TestLaneStartsSynchronouslyWhenIdle(t *testing.T) {
	g := newGate()
	var started []string
	lane := setupTestLane(t, LaneConfig{
		Execute: g.execute,
		OnStart: func(task Task) { started = append(started, task.Prompt) },
	})

	task, err := lane.Enqueue(context.Background(), "first", nil)
	require.NoError(t, err)

	// OnStart ran inside Enqueue
	assert.Equal(t, []string{"first"}, started)
	running, ok := lane.Running()
	require.True(t, ok)
	assert.Equal(t, task.ID, running.ID)
	assert.Empty(t, lane.Pending(), "running prompt is not pending")

	g.release <- struct{}{}
}

func TestLaneFIFOAndSingleFlight(t *testing.T) {
	g := newGate()
	var mu sync.Mutex
	var finished []string
	done := make(chan struct{}, 10)

	lane := setupTestLane(t, LaneConfig{
		Execute: g.execute,
		OnFinish: func(o Outcome) {
			mu.Lock()
			finished = append(finished, o.Value.(string))
			mu.Unlock()
			done <- struct{}{}
		},
	})

	prompts := []string{"p1", "p2", "p3", "p4"}
	for _, p := range prompts {
		_, err := lane.Enqueue(context.Background(), p, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"p2", "p3", "p4"}, lane.Pending())

	for range prompts {
		g.release <- struct{}{}
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("prompt did not finish")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"done:p1", "done:p2", "done:p3", "done:p4"}, finished)
	assert.Equal(t, prompts, g.startedPrompts())
	assert.Zero(t, atomic.LoadInt32(&g.overlap), "two prompts executed at once")
}

func TestLaneErrorAdvancesQueue(t *testing.T) {
	outcomes := make(chan Outcome, 2)
	lane := setupTestLane(t, LaneConfig{
		Execute: func(ctx context.Context, task Task) (any, error) {
			if task.Prompt == "bad" {
				return nil, errors.New("provider down")
			}
			return "ok", nil
		},
		OnFinish: func(o Outcome) { outcomes <- o },
	})

	_, err := lane.Enqueue(context.Background(), "bad", nil)
	require.NoError(t, err)
	_, err = lane.Enqueue(context.Background(), "good", nil)
	require.NoError(t, err)

	first := <-outcomes
	second := <-outcomes
	assert.EqualError(t, first.Err, "provider down")
	assert.NoError(t, second.Err)
	assert.Equal(t, "ok", second.Value)
}

func TestLaneCancel(t *testing.T) {
	g := newGate()
	outcomes := make(chan Outcome, 2)
	var idle int32
	lane := setupTestLane(t, LaneConfig{
		Execute:  g.execute,
		OnFinish: func(o Outcome) { outcomes <- o },
		OnIdle:   func() { atomic.AddInt32(&idle, 1) },
	})

	assert.False(t, lane.Cancel(), "nothing to cancel")

	_, err := lane.Enqueue(context.Background(), "slow", nil)
	require.NoError(t, err)
	_, err = lane.Enqueue(context.Background(), "next", nil)
	require.NoError(t, err)

	require.True(t, lane.Cancel())
	assert.False(t, lane.Busy(), "idle right after cancel")
	assert.Equal(t, int32(1), atomic.LoadInt32(&idle))

	cancelled := <-outcomes
	assert.True(t, cancelled.Discarded)
	assert.Equal(t, "slow", cancelled.Task.Prompt)

	// the next prompt starts once the cancelled call returned
	require.Eventually(t, lane.Busy, time.Second, 5*time.Millisecond)
	running, _ := lane.Running()
	assert.Equal(t, "next", running.Prompt)

	g.release <- struct{}{}
	finished := <-outcomes
	assert.False(t, finished.Discarded)
	assert.Equal(t, "done:next", finished.Value)
}

func TestLaneCancelWaitsForStubbornCall(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	lane := setupTestLane(t, LaneConfig{
		Execute: func(ctx context.Context, task Task) (any, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				<-release // ignores cancellation
			}
			return task.Prompt, nil
		},
	})

	_, err := lane.Enqueue(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = lane.Enqueue(context.Background(), "b", nil)
	require.NoError(t, err)

	lane.Cancel()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "b must not start while a is still running")
	assert.Equal(t, 1, lane.Stats().Inflight)

	close(release)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, 5*time.Millisecond)
}

func TestLaneClear(t *testing.T) {
	g := newGate()
	lane := setupTestLane(t, LaneConfig{Execute: g.execute})

	for _, p := range []string{"a", "b", "c"} {
		_, err := lane.Enqueue(context.Background(), p, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, lane.Clear())
	assert.Empty(t, lane.Pending())
	assert.True(t, lane.Busy(), "running prompt survives Clear")

	g.release <- struct{}{}
}

func TestLaneClose(t *testing.T) {
	g := newGate()
	lane, err := NewLane(LaneConfig{Name: "closing", Execute: g.execute})
	require.NoError(t, err)

	_, err = lane.Enqueue(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = lane.Enqueue(context.Background(), "b", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, lane.Close(ctx))

	assert.Equal(t, []string{"a"}, g.startedPrompts())
	_, err = lane.Enqueue(context.Background(), "c", nil)
	assert.ErrorIs(t, err, ErrLaneClosed)
}
