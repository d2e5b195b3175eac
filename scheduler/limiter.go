package scheduler

import (
	"sync"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter paces per-court probe polling so the scheduler never
// hammers a single court's calendar page with back-to-back availability
// checks. One bucket is created lazily per court.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	limiters map[int]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter allowing r probes/second per
// court, with burst b.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[int]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether a probe against court is admitted right now.
func (l *TokenBucketLimiter) Allow(court int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[court]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[court] = limiter
	}
	return limiter.Allow()
}
