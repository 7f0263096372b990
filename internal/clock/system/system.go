// Package system provides a real clock implementation.
package system

import "time"

// Clock implements mljob.Clock using the time package.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// After waits for the duration to elapse and then delivers the current time
// on the returned channel.
func (Clock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
