package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages a token bucket per session
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	rph      int
}

// NewLimiter creates a limiter allowing rph requests per hour per session
func NewLimiter(rph int) *Limiter {
	if rph <= 0 {
		rph = 600
	}
	burst := rph / 10
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(rph) / 3600.0),
		burst:    burst,
		rph:      rph,
	}
}

// GetLimiter returns the bucket for a session, creating it on first use
func (l *Limiter) GetLimiter(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[sessionID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[sessionID] = limiter
	}
	return limiter
}

// Allow checks if a request is within the session's budget
func (l *Limiter) Allow(sessionID string) bool {
	return l.GetLimiter(sessionID).Allow()
}

// Tokens returns the current number of available tokens for a session
func (l *Limiter) Tokens(sessionID string) float64 {
	return l.GetLimiter(sessionID).Tokens()
}

// Limit returns the configured requests-per-hour budget
func (l *Limiter) Limit() int {
	return l.rph
}

// Forget drops the buckets of reaped sessions so the map does not grow
// with every session ever seen
func (l *Limiter) Forget(sessionIDs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range sessionIDs {
		delete(l.limiters, id)
	}
}
