package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/google/uuid"
)

// RateLimiter enforces a per-user token bucket so one authenticated caller
// cannot starve the Store's single writer. Default matches spec.md's
// "RATE_LIMITED" error: 60 requests per minute per user.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter allowing perMinute requests per user,
// bursting up to the same amount.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[uuid.UUID]*rate.Limiter),
		rps:      rate.Limit(float64(perMinute) / time.Minute.Seconds()),
		burst:    perMinute,
	}
}

// Allow reports whether userID may make one more request right now.
func (rl *RateLimiter) Allow(userID uuid.UUID) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[userID] = limiter
	}
	rl.mu.Unlock()

	return limiter.Allow()
}
