package utils

import (
	"math"
	"sync"
	"time"
)

// ValueCache is a small in-memory TTL cache for float64 values keyed by string.
// It is safe for concurrent use.
type ValueCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]entry
}

type entry struct {
	v  float64
	at time.Time
}

// NewValueCache creates a cache with the given TTL. If ttl <= 0, it defaults to 1h.
func NewValueCache(ttl time.Duration) *ValueCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ValueCache{ttl: ttl, now: time.Now, data: make(map[string]entry, 64)}
}

// WithClock replaces the time source; intended for tests.
func (c *ValueCache) WithClock(now func() time.Time) *ValueCache {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// GetValue returns the cached value if it exists and hasn't expired.
func (c *ValueCache) GetValue(key string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.data, key)
		return 0, false
	}
	return e.v, true
}

// SetValue stores the value with the current timestamp.
func (c *ValueCache) SetValue(key string, v float64) {
	c.mu.Lock()
	c.data[key] = entry{v: v, at: c.now()}
	c.mu.Unlock()
}

// Unchanged reports whether key still holds v, and records v otherwise.
func (c *ValueCache) Unchanged(key string, v float64) bool {
	if old, ok := c.GetValue(key); ok && FloatsEqual(old, v) {
		return true
	}
	c.SetValue(key, v)
	return false
}

// FloatsEqual compares with a relative tolerance suited to sensor values.
func FloatsEqual(a, b float64) bool {
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= 1e-9 || diff <= scale*1e-9
}
