package memory

import (
	"context"
	"sync"

	audit "certchain/pkg/platform/audit"
)

// InMemoryStore keeps events in insertion order, indexed by resource id.
type InMemoryStore struct {
	mu         sync.RWMutex
	events     []audit.Event
	byResource map[string][]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byResource: make(map[string][]int)}
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byResource[event.ResourceID] = append(s.byResource[event.ResourceID], len(s.events))
	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryStore) ListByResource(_ context.Context, resourceID string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byResource[resourceID]
	out := make([]audit.Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.events[i])
	}
	return out, nil
}

// Count returns how many events carry action, optionally scoped to a resource.
func (s *InMemoryStore) Count(action audit.AuditEvent, resourceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		if e.Action != string(action) {
			continue
		}
		if resourceID != "" && e.ResourceID != resourceID {
			continue
		}
		n++
	}
	return n
}
