// Package clock is the single time source for the intake queue. Production
// code uses Real; tests drive a Managed clock so waiting times are exact.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// Real returns a Clock backed by time.Now.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

// Managed is a hand-driven clock for tests. It is safe for concurrent use.
type Managed struct {
	mu  sync.Mutex
	now time.Time
}

// NewManaged returns a Managed clock frozen at start.
func NewManaged(start time.Time) *Managed {
	return &Managed{now: start}
}

// Now returns the managed time.
func (c *Managed) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// WarpForward advances the clock by d and returns the new time. Negative
// durations are ignored; a waiting room never runs backwards.
func (c *Managed) WarpForward(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Set moves the clock to t.
func (c *Managed) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
