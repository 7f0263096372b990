package datafeed

import (
	"math"
	"time"
)

// Cadence defaults. The refresh interval self-tunes toward a fixed progress
// increment per tick, so fast jobs poll often and stalled jobs back off.
const (
	// DefaultRefreshInterval is the initial poll cadence and the floor the
	// controller never adjusts below.
	DefaultRefreshInterval = 250 * time.Millisecond
	// DefaultAssignmentInterval is the fixed cadence of the assignment check.
	DefaultAssignmentInterval = 2 * time.Second
	// DefaultAdjustmentGrace is how long after the datafeed start the
	// controller leaves the interval untouched.
	DefaultAdjustmentGrace = 2 * time.Second
	// DefaultTargetDelta is the desired displayed-percentage increment per
	// tick.
	DefaultTargetDelta = 2
)

// cadenceController maintains the current poll interval and adapts it based
// on observed progress velocity. It is not safe for concurrent use; the
// Runner guards it with its own mutex.
type cadenceController struct {
	defaultInterval time.Duration
	grace           time.Duration
	targetDelta     int

	interval  time.Duration
	startedAt time.Time
	active    bool
}

func newCadenceController(defaultInterval, grace time.Duration, targetDelta int) *cadenceController {
	if defaultInterval <= 0 {
		defaultInterval = DefaultRefreshInterval
	}
	if grace < 0 {
		grace = DefaultAdjustmentGrace
	}
	if targetDelta <= 0 {
		targetDelta = DefaultTargetDelta
	}
	return &cadenceController{
		defaultInterval: defaultInterval,
		grace:           grace,
		targetDelta:     targetDelta,
		interval:        defaultInterval,
	}
}

// begin records the datafeed start time, which gates adjustment until the
// grace period has elapsed.
func (c *cadenceController) begin(now time.Time) {
	c.startedAt = now
	c.active = false
}

// adjust retunes the interval from the progress observed this tick. The
// latch becomes permanently true for the run once the grace period has
// elapsed; a zero delta leaves the interval unchanged.
func (c *cadenceController) adjust(now time.Time, newProgress, oldProgress int) {
	if !c.active {
		if now.Sub(c.startedAt) <= c.grace {
			return
		}
		c.active = true
	}
	delta := newProgress - oldProgress
	if delta == 0 {
		return
	}
	ms := math.Floor(float64(c.interval.Milliseconds()) * float64(c.targetDelta) / float64(delta))
	next := time.Duration(ms) * time.Millisecond
	if next < c.defaultInterval {
		next = c.defaultInterval
	}
	c.interval = next
}

func (c *cadenceController) reset() {
	c.interval = c.defaultInterval
}
