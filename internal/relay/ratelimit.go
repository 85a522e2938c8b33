package relay

import (
	"sync"
	"time"
)

// RateLimiter admits at most one event per key per minimum interval.
type RateLimiter struct {
	mu       sync.Mutex
	last     map[string]time.Time
	interval time.Duration
	now      func() time.Time
}

// NewRateLimiter returns a limiter; a nil clock uses time.Now.
func NewRateLimiter(interval time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{last: make(map[string]time.Time), interval: interval, now: now}
}

// Allow reports whether key may proceed now and, if so, starts its next interval.
// The first event for a key is always allowed.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.interval {
		return false
	}
	r.last[key] = now
	return true
}

// Forget drops key's state.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	delete(r.last, key)
	r.mu.Unlock()
}
