package domain

import (
	"context"
	"time"
)

// RateLimitDecision describes one admission check against a fixed window.
type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter admits at most limit calls per key and window. A limit of
// zero or less disables limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateLimitDecision, error)
}
