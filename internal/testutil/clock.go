package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a time source that advances by a fixed step on
// every call, so timestamps in tests are reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	calls int64
}

// NewDeterministicClock creates a clock whose first Now() returns start.
// A zero step means one second.
func NewDeterministicClock(start time.Time, step time.Duration) *DeterministicClock {
	if step == 0 {
		step = time.Second
	}
	return &DeterministicClock{start: start, step: step}
}

// Now returns start + step*n for the n-th call (counting from 0).
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.calls) * c.step)
	c.calls++
	return t
}

// Calls returns how many times Now has been called.
func (c *DeterministicClock) Calls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Reset rewinds the clock so the next Now() returns start again.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = 0
}
