package relay

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of EventStore.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	byID   map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]bool)}
}

func (s *MemoryStore) Append(_ context.Context, ev Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byID[ev.ID] {
		return false, nil
	}
	s.byID[ev.ID] = true
	s.events = append(s.events, ev)
	return true, nil
}

func (s *MemoryStore) Query(_ context.Context, filters []Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterEvents(s.events, filters), nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}
