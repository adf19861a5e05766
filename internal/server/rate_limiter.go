package server

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter keyed by provider and client IP.
// Webhook sources are few, so a map with periodic sweeping is enough.
type rateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	items  map[string]*rateLimitEntry
	sweep  time.Time
}

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = 300
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		limit:  limit,
		window: window,
		items:  make(map[string]*rateLimitEntry),
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}

	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepStale(now)

	entry := r.items[key]
	if entry == nil || now.Sub(entry.windowStart) > r.window {
		entry = &rateLimitEntry{windowStart: now}
		r.items[key] = entry
	}

	if entry.count >= r.limit {
		return false
	}

	entry.count++
	return true
}

// sweepStale drops expired windows so abandoned keys do not accumulate.
func (r *rateLimiter) sweepStale(now time.Time) {
	if now.Sub(r.sweep) < r.window {
		return
	}
	r.sweep = now
	for key, entry := range r.items {
		if now.Sub(entry.windowStart) > r.window {
			delete(r.items, key)
		}
	}
}
