package commandqueue

import (
	"context"
	"sync"
	"time"
)

const defaultDedupTTL = 5 * time.Minute

type dedupEntry struct {
	result  taskResult
	storeAt time.Time
}

// dedupCache remembers task results by request ID for a bounded time.
type dedupCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]dedupEntry

	cancel context.CancelFunc
	done   chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	ctx, cancel := context.WithCancel(ctx)
	dc := &dedupCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]dedupEntry),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go dc.sweepLoop(ctx)
	return dc
}

// Stop ends the sweep loop and waits for it.
func (dc *dedupCache) Stop() {
	dc.cancel()
	<-dc.done
}

func (dc *dedupCache) Get(requestID string) (taskResult, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	entry, ok := dc.entries[requestID]
	if !ok || dc.now().Sub(entry.storeAt) > dc.ttl {
		return taskResult{}, false
	}
	return entry.result, true
}

func (dc *dedupCache) Set(requestID string, result taskResult) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries[requestID] = dedupEntry{result: result, storeAt: dc.now()}
}

func (dc *dedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}

func (dc *dedupCache) sweep() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	now := dc.now()
	for id, entry := range dc.entries {
		if now.Sub(entry.storeAt) > dc.ttl {
			delete(dc.entries, id)
		}
	}
}

func (dc *dedupCache) sweepLoop(ctx context.Context) {
	defer close(dc.done)
	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.sweep()
		}
	}
}
