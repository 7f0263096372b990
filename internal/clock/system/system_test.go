package system

import (
	"testing"
	"time"
)

// TestNowIsUTC verifies the clock reports UTC wall time.
func TestNowIsUTC(t *testing.T) {
	t.Parallel()

	c := New()
	now := c.Now()
	if now.Location() != time.UTC {
		t.Errorf("Now() location = %v, want UTC", now.Location())
	}
	if time.Since(now) > time.Minute {
		t.Errorf("Now() = %v, too far from wall time", now)
	}
}

// TestAfterFires verifies the timer channel delivers.
func TestAfterFires(t *testing.T) {
	t.Parallel()

	c := New()
	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After(1ms) did not fire")
	}
}
