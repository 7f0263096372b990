// Package broadcast implements a replay-latest publish/subscribe channel:
// the channel retains the last published value and delivers it immediately
// to any newly attached subscriber, then delivers every subsequent value in
// publish order.
package broadcast

import "sync"

// Channel fans published values out to an ordered set of subscribers. It is
// safe for concurrent use by multiple goroutines.
type Channel[T any] struct {
	mu      sync.Mutex
	current T
	subs    []*Subscription[T]
}

// Subscription is the handle returned by Subscribe. Delivery to its callback
// is serialized: the replay of the current value completes before any later
// published value is handed to the callback.
type Subscription[T any] struct {
	mu     sync.Mutex
	fn     func(T)
	closed bool
}

// New creates a Channel whose stored current value is initial.
func New[T any](initial T) *Channel[T] {
	return &Channel[T]{current: initial}
}

// Current returns the last published value (or the initial value if nothing
// has been published yet).
func (c *Channel[T]) Current() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Publish stores v as the current value and synchronously delivers it, in
// subscribe order, to every attached subscriber.
func (c *Channel[T]) Publish(v T) {
	c.mu.Lock()
	c.current = v
	snapshot := make([]*Subscription[T], len(c.subs))
	copy(snapshot, c.subs)
	c.mu.Unlock()

	for _, s := range snapshot {
		s.deliver(v)
	}
}

// Subscribe attaches fn and immediately delivers the current stored value to
// it. fn then receives every future published value until Unsubscribe is
// called on the returned handle.
func (c *Channel[T]) Subscribe(fn func(T)) *Subscription[T] {
	s := &Subscription[T]{fn: fn}

	// Holding s.mu across the replay keeps a concurrent Publish from
	// overtaking the initial value.
	s.mu.Lock()
	c.mu.Lock()
	c.subs = append(c.subs, s)
	cur := c.current
	c.mu.Unlock()
	s.fn(cur)
	s.mu.Unlock()

	return s
}

// Unsubscribe stops further delivery to this subscription's callback. It has
// no effect on other subscribers or on the stored current value, and is safe
// to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// CloseAll releases every attached subscription. The stored current value is
// retained.
func (c *Channel[T]) CloseAll() {
	c.mu.Lock()
	snapshot := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range snapshot {
		s.Unsubscribe()
	}
}

func (s *Subscription[T]) deliver(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(v)
}
