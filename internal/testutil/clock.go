// Package testutil holds deterministic clocks and identifier sources for
// tests.
package testutil

import (
	"sync"
	"time"
)

// Clock is a wall clock that advances by a fixed step on every reading.
//
// Pass Clock.Now wherever a component accepts a func() time.Time. The first
// call returns start. Safe for concurrent use.
type Clock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	n     int64
}

// NewClock creates a clock reading start, then start+step, start+2*step...
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{start: start.UTC(), step: step}
}

// Now returns the current reading and advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.n) * c.step)
	c.n++
	return t
}

// Readings reports how many times Now was called.
func (c *Clock) Readings() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Reset rewinds the clock to start.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
