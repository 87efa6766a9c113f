// Package ratelimit applies sliding-window request limits to HTTP routes.
package ratelimit

import (
	"context"
	"time"
)

// Policy caps requests per key within a sliding window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Result is the outcome of one check against a Policy.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds, set when denied
}

// Store counts requests per key. Implementations must be safe for
// concurrent use by many handlers.
type Store interface {
	Allow(ctx context.Context, key string, p Policy) (*Result, error)
}

func retryAfter(resetAt, now time.Time) int {
	secs := int(resetAt.Sub(now).Round(time.Second) / time.Second)
	return max(secs, 1)
}
