package common

import "time"

// Clock abstracts wall-clock time so schedulers and caches can be tested
// against a fixed instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a settable instant. Test helper.
type FixedClock struct {
	t time.Time
}

// NewFixedClock creates a clock pinned to t.
func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

// Now returns the pinned instant.
func (c *FixedClock) Now() time.Time { return c.t }

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// SetNow pins the clock to t.
func (c *FixedClock) SetNow(t time.Time) { c.t = t }
