// Package sequence provides the monotonic write-order clock shared by a repo
// and its layers.
package sequence

import (
	"sync"
)

// None is the reserved "no sequence" value. The first number a Clock hands
// out is 1.
const None uint64 = 0

// Clock assigns totally ordered sequence numbers. Numbers are never reused
// and the clock never moves backwards.
type Clock struct {
	mu      sync.Mutex
	current uint64
}

// NewClock creates a clock whose last assigned number is start.
func NewClock(start uint64) *Clock {
	return &Clock{current: start}
}

// Next assigns and returns the next sequence number
func (c *Clock) Next() uint64 {
	return c.Use(1)
}

// Use reserves n consecutive sequence numbers and returns the first one.
// Use(0) returns the number the next call would hand out without reserving it.
func (c *Clock) Use(n uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := c.current + 1
	c.current += n
	return first
}

// Current returns the last assigned sequence number, or None
func (c *Clock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Observe raises the clock to at least seq, used when recovering layers
// written by an earlier process. It never lowers the clock.
func (c *Clock) Observe(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.current {
		c.current = seq
	}
}
