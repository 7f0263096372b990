// Package fake provides a manually advanced clock for deterministic tests.
package fake

import (
	"sort"
	"sync"
	"time"
)

// Clock implements mljob.Clock with a time that only moves when Advance is
// called. Timers created via After fire during the Advance call that reaches
// their deadline, in deadline order.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// New creates a Clock frozen at start.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the frozen current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives the timer's deadline once Advance
// moves the clock past d from now. The channel is buffered so firing never
// blocks Advance.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{at: c.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- w.at
		return w.ch
	}
	c.waiters = append(c.waiters, w)
	return w.ch
}

// Advance moves the clock forward by d and fires every timer whose deadline
// has been reached, earliest deadline first.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	var due []*waiter
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			due = append(due, w)
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, w := range due {
		w.ch <- w.at
	}
}

// Waiters reports how many timers are pending. Tests use it to wait for the
// code under test to reach its next suspension point before advancing.
func (c *Clock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
