package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-client token bucket. rpm <= 0 disables limiting.
type RateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing rpm requests per minute with the
// given burst per client.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	return &RateLimiter{
		rpm:      rpm,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is active.
func (l *RateLimiter) Enabled() bool { return l.rpm > 0 }

// Allow reports whether the client may make another request now.
func (l *RateLimiter) Allow(clientID string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)
		l.limiters[clientID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Forget drops a client's bucket, typically on disconnect.
func (l *RateLimiter) Forget(clientID string) {
	l.mu.Lock()
	delete(l.limiters, clientID)
	l.mu.Unlock()
}
