package commandqueue

import (
	"context"
	"sync"
	"time"
)

type dedupEntry struct {
	task      Task
	timestamp time.Time
}

// dedupCache remembers recently submitted keys so a retried submission is
// answered with the original task instead of a second prompt.
type dedupCache struct {
	entries map[string]*dedupEntry
	ttl     time.Duration
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go cache.cleanup()

	return cache
}

func (dc *dedupCache) Stop() {
	dc.cancel()
}

// Get returns the task recorded for key if it has not expired.
func (dc *dedupCache) Get(key string) (Task, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, exists := dc.entries[key]
	if !exists || time.Since(entry.timestamp) > dc.ttl {
		return Task{}, false
	}
	return entry.task, true
}

func (dc *dedupCache) Set(key string, task Task) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.entries[key] = &dedupEntry{task: task, timestamp: time.Now()}
}

func (dc *dedupCache) cleanup() {
	defer close(dc.done)

	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-dc.ctx.Done():
			return
		case <-ticker.C:
			dc.mu.Lock()
			now := time.Now()
			for key, entry := range dc.entries {
				if now.Sub(entry.timestamp) > dc.ttl {
					delete(dc.entries, key)
				}
			}
			dc.mu.Unlock()
		}
	}
}

func (dc *dedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}
