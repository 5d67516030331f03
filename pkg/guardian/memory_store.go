package guardian

import (
	"context"
	"sync"
)

// MemoryStore is a fixed-capacity ring of telemetry events, for
// single-process deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	events   []TelemetryEvent
	capacity int
}

// NewMemoryStore creates a ring holding the most recent capacity events.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &MemoryStore{capacity: capacity}
}

func (s *MemoryStore) Record(_ context.Context, ev TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if len(s.events) > s.capacity {
		s.events = s.events[len(s.events)-s.capacity:]
	}
	return nil
}

func (s *MemoryStore) Window(_ context.Context, limit int) ([]TelemetryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]TelemetryEvent, len(events))
	copy(out, events)
	return out, nil
}
