package ratelimit

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps a sliding window of request timestamps per key. It is
// local to the process; use RedisStore when several replicas serve traffic.
type InMemoryStore struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (s *InMemoryStore) Allow(_ context.Context, key string, p Policy) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stamps := prune(s.buckets[key], now.Add(-p.Window))

	if len(stamps) >= p.Limit {
		s.buckets[key] = stamps
		resetAt := now.Add(p.Window)
		if len(stamps) > 0 {
			resetAt = stamps[0].Add(p.Window)
		}
		return &Result{
			Allowed:    false,
			Limit:      p.Limit,
			ResetAt:    resetAt,
			RetryAfter: retryAfter(resetAt, now),
		}, nil
	}

	stamps = append(stamps, now)
	s.buckets[key] = stamps
	return &Result{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: p.Limit - len(stamps),
		ResetAt:   stamps[0].Add(p.Window),
	}, nil
}

// Sweep drops keys whose windows have fully expired.
func (s *InMemoryStore) Sweep(window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-window)
	for key, stamps := range s.buckets {
		if stamps = prune(stamps, cutoff); len(stamps) == 0 {
			delete(s.buckets, key)
		} else {
			s.buckets[key] = stamps
		}
	}
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	return stamps[i:]
}
