package core

import (
	"sync"
	"time"
)

// Clock supplies unix seconds to operations. Readings never go backwards.
type Clock interface {
	Now() int64
}

// MonotonicClock wraps wall time and holds the last reading if the system
// clock steps back.
type MonotonicClock struct {
	mu     sync.Mutex
	last   int64
	source func() time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{source: time.Now}
}

func (c *MonotonicClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.source().Unix()
	if t < c.last {
		return c.last
	}
	c.last = t
	return t
}

// ManualClock is set explicitly. Used by tests and replay.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

func NewManualClock(now int64) *ManualClock {
	return &ManualClock{now: now}
}

func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t, ignoring moves into the past.
func (c *ManualClock) Set(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.now {
		c.now = t
	}
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += int64(d / time.Second)
}
