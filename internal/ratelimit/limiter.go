package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages rate limits for multiple owners
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a new rate limiter
// requestsPerHour: total requests allowed per hour per owner (e.g. 100)
// burst: max requests in a burst (e.g. 10)
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	// Convert requests per hour to requests per second
	r := rate.Limit(float64(requestsPerHour) / 3600.0)

	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// GetLimiter returns the rate limiter for a specific owner
func (l *Limiter) GetLimiter(owner string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[owner]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[owner] = limiter
	}

	return limiter
}

// Allow checks if a request is allowed for the given owner
func (l *Limiter) Allow(owner string) bool {
	return l.GetLimiter(owner).Allow()
}

// Tokens returns the current number of available tokens for an owner
func (l *Limiter) Tokens(owner string) float64 {
	return l.GetLimiter(owner).Tokens()
}
