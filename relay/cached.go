package relay

import (
	"context"
	"log"
	"sync"
	"time"
)

// CachedStore wraps a backing EventStore with an in-memory cache. All reads
// and duplicate checks are served from the cache; new events are flushed to
// the backing store periodically in the background. The backing store's
// existing log is loaded into the cache on first use.
type CachedStore struct {
	cache         *MemoryStore
	backing       EventStore
	flushInterval time.Duration

	mu      sync.Mutex
	pending []Event

	warm    sync.Once
	warmErr error

	stop chan struct{}
	done chan struct{}
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// new events to the backing store every flushInterval.
func NewCachedStore(backing EventStore, flushInterval time.Duration) *CachedStore {
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Append(ctx context.Context, ev Event) (bool, error) {
	if err := cs.warmup(ctx); err != nil {
		return false, err
	}
	stored, err := cs.cache.Append(ctx, ev)
	if err != nil || !stored {
		return stored, err
	}
	cs.mu.Lock()
	cs.pending = append(cs.pending, ev)
	cs.mu.Unlock()
	return true, nil
}

func (cs *CachedStore) Query(ctx context.Context, filters []Filter) ([]Event, error) {
	if err := cs.warmup(ctx); err != nil {
		return nil, err
	}
	return cs.cache.Query(ctx, filters)
}

func (cs *CachedStore) Len(ctx context.Context) (int, error) {
	if err := cs.warmup(ctx); err != nil {
		return 0, err
	}
	return cs.cache.Len(ctx)
}

// warmup loads the backing store's log into the cache, once.
func (cs *CachedStore) warmup(ctx context.Context) error {
	cs.warm.Do(func() {
		events, err := cs.backing.Query(ctx, nil)
		if err != nil {
			cs.warmErr = err
			return
		}
		for _, ev := range events {
			if _, err := cs.cache.Append(ctx, ev); err != nil {
				cs.warmErr = err
				return
			}
		}
	})
	return cs.warmErr
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all pending events to the backing store. Events that fail to
// flush stay pending and are retried next cycle.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	pending := cs.pending
	cs.pending = nil
	cs.mu.Unlock()

	ctx := context.Background()
	for i, ev := range pending {
		if _, err := cs.backing.Append(ctx, ev); err != nil {
			log.Printf("cached store: failed to flush event %s: %v", ev.ID, err)
			cs.mu.Lock()
			cs.pending = append(pending[i:], cs.pending...)
			cs.mu.Unlock()
			return
		}
	}
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
