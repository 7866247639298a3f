// Package ratelimit implements a fixed-window request counter keyed by
// (client, route).
package ratelimit

import (
	"sync"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
)

type bucket struct {
	window int64
	count  int
}

// FixedWindow counts requests per (key, route) in aligned windows derived
// from floor(now/window). A new window resets the count; distinct keys are
// independent.
type FixedWindow struct {
	mu      sync.Mutex
	buckets map[string]bucket
	window  time.Duration
	limit   int
	clock   common.Clock
}

var _ interfaces.RateLimiter = (*FixedWindow)(nil)

// New creates a limiter allowing limit requests per window per (key, route).
func New(window time.Duration, limit int, clock common.Clock) *FixedWindow {
	if window <= 0 {
		window = 60 * time.Second
	}
	if limit <= 0 {
		limit = 5
	}
	return &FixedWindow{
		buckets: make(map[string]bucket),
		window:  window,
		limit:   limit,
		clock:   clock,
	}
}

// Allow reports whether the request fits the current window. When denied,
// the second return is the time until the window resets.
func (l *FixedWindow) Allow(key, route string) (bool, time.Duration) {
	now := l.clock.Now()
	win := now.Unix() / int64(l.window/time.Second)
	id := key + "|" + route

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[id]
	if !ok || b.window != win {
		b = bucket{window: win}
		// Opportunistic cleanup: drop buckets from past windows.
		if len(l.buckets) > 1024 {
			for k, old := range l.buckets {
				if old.window < win {
					delete(l.buckets, k)
				}
			}
		}
	}

	if b.count >= l.limit {
		resetAt := time.Unix((win+1)*int64(l.window/time.Second), 0)
		return false, resetAt.Sub(now)
	}

	b.count++
	l.buckets[id] = b
	return true, 0
}
