// Package datafeed tracks the execution of a started datafeed and reports
// its completion percentage to subscribers while it runs. The poll cadence
// self-tunes to the job's actual rate of advancement, and every run's
// progress stream is guaranteed to end on a literal 100.
package datafeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirbenun/kibana/internal/broadcast"
	"github.com/amirbenun/kibana/internal/clock/system"
	"github.com/amirbenun/kibana/internal/mljob"
)

// Options configures a Runner. JobID and DatafeedID are required; zero
// durations fall back to the package defaults.
type Options struct {
	JobID      string
	DatafeedID string
	// Start and End are epoch-millisecond bounds of the run; nil End means
	// an open-ended real-time run.
	Start *int64
	End   *int64
	// AssignedToNode marks the job as already placed on a worker (known
	// from job creation metadata), which skips the assignment gate.
	AssignedToNode bool

	RefreshInterval    time.Duration
	AssignmentInterval time.Duration
	AdjustmentGrace    time.Duration
	TargetDelta        int

	Clock  mljob.Clock
	Logger *zap.Logger

	// ProgressSubscribers and AssignmentSubscribers are attached at
	// construction; like any other subscriber they are released when the
	// run ends.
	ProgressSubscribers   []func(int)
	AssignmentSubscribers []func(bool)
}

// Runner binds the assignment gate, the progress loop, and the two
// broadcast channels together with job identity and run state. All exported
// methods are safe for concurrent use.
type Runner struct {
	api    mljob.JobsAPI
	clock  mljob.Clock
	logger *zap.Logger

	jobID      string
	datafeedID string
	start      *int64
	end        *int64

	assignmentInterval time.Duration

	progressCh   *broadcast.Channel[int]
	assignmentCh *broadcast.Channel[bool]

	mu       sync.Mutex
	state    mljob.DatafeedState
	cadence  *cadenceController
	percent  int
	assigned bool
	began    bool
	runErr   error

	done chan struct{}
}

// NewRunner constructs a Runner in the stopped state with progress 0.
func NewRunner(api mljob.JobsAPI, opts Options) *Runner {
	clk := opts.Clock
	if clk == nil {
		clk = system.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	assignmentInterval := opts.AssignmentInterval
	if assignmentInterval <= 0 {
		assignmentInterval = DefaultAssignmentInterval
	}
	r := &Runner{
		api:                api,
		clock:              clk,
		logger:             logger,
		jobID:              opts.JobID,
		datafeedID:         opts.DatafeedID,
		start:              opts.Start,
		end:                opts.End,
		assignmentInterval: assignmentInterval,
		progressCh:         broadcast.New(0),
		assignmentCh:       broadcast.New(opts.AssignedToNode),
		state:              mljob.DatafeedStopped,
		cadence:            newCadenceController(opts.RefreshInterval, opts.AdjustmentGrace, opts.TargetDelta),
		assigned:           opts.AssignedToNode,
		done:               make(chan struct{}),
	}
	for _, fn := range opts.ProgressSubscribers {
		r.progressCh.Subscribe(fn)
	}
	for _, fn := range opts.AssignmentSubscribers {
		r.assignmentCh.Subscribe(fn)
	}
	return r
}

// ErrAlreadyStarted is returned when a Runner that already drives a run is
// started again. A Runner drives at most one run for its lifetime.
var ErrAlreadyStarted = errors.New("datafeed already started")

// StartDatafeed opens the job, starts the datafeed over the run's original
// bounds, and launches the watch loop. The returned bool reports whether the
// start call succeeded, independent of later polling outcomes. Failures from
// the open or start calls propagate unmodified; cancelling ctx is the
// cooperative stop signal for the watch loop.
func (r *Runner) StartDatafeed(ctx context.Context) (bool, error) {
	started, err := r.begin(ctx, r.start, r.end)
	if err != nil || !started {
		return started, err
	}
	go r.watch(ctx)
	return true, nil
}

// StartDatafeedInRealTime starts an open-ended run. When continueJob is
// true the run begins from the original End bound, resuming where a prior
// bounded run left off. Progress polling is disabled in this mode; callers
// observe state through Progress and IsRunning.
func (r *Runner) StartDatafeedInRealTime(ctx context.Context, continueJob bool) (bool, error) {
	var start *int64
	if continueJob {
		start = r.end
	}
	started, err := r.begin(ctx, start, nil)
	if err != nil || !started {
		return started, err
	}
	// No watch loop: the run never self-schedules, so nothing will publish
	// on its behalf.
	close(r.done)
	return true, nil
}

func (r *Runner) begin(ctx context.Context, start, end *int64) (bool, error) {
	r.mu.Lock()
	if r.began {
		r.mu.Unlock()
		return false, ErrAlreadyStarted
	}
	r.began = true
	r.mu.Unlock()

	open, err := r.api.OpenJob(ctx, r.jobID)
	if err != nil {
		r.unlatch()
		return false, err
	}
	if open.Node != "" {
		r.setAssigned()
	}
	res, err := r.api.StartDatafeed(ctx, mljob.StartDatafeedRequest{
		DatafeedID: r.datafeedID,
		JobID:      r.jobID,
		Start:      start,
		End:        end,
	})
	if err != nil {
		r.unlatch()
		return false, err
	}
	if !res.Started {
		r.unlatch()
		return false, nil
	}
	now := r.clock.Now()
	r.mu.Lock()
	r.state = mljob.DatafeedStarted
	r.cadence.begin(now)
	r.mu.Unlock()
	r.logger.Info("datafeed started",
		zap.String("job_id", r.jobID),
		zap.String("datafeed_id", r.datafeedID),
	)
	return true, nil
}

// watch drives one run: wait for worker assignment, then poll progress until
// the job finishes or ctx is cancelled. Whatever the exit path, the progress
// channel ends on a literal 100 and every run subscription is released.
func (r *Runner) watch(ctx context.Context) {
	defer r.finish()
	if !r.IsJobAssignedToNode() {
		if !r.awaitAssignment(ctx) {
			return
		}
	}
	r.pollProgress(ctx)
}

// awaitAssignment polls the job stats at a fixed cadence until a worker node
// is reported. It publishes true on the assignment channel exactly once; the
// channel's initial value is already false, so no redundant false is sent.
func (r *Runner) awaitAssignment(ctx context.Context) bool {
	for {
		stats, err := r.api.GetJobStats(ctx, r.jobID)
		if err != nil {
			r.fail(fmt.Errorf("job stats fetch: %w", err))
			return false
		}
		if len(stats) > 0 && stats[0].Node != "" {
			r.setAssigned()
			r.logger.Debug("job assigned to node",
				zap.String("job_id", r.jobID),
				zap.String("node", stats[0].Node),
			)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-r.clock.After(r.assignmentInterval):
		}
		// A cancellation observed at the deferred-execution point stops the
		// next round even if the timer already fired.
		if ctx.Err() != nil {
			return false
		}
	}
}

func (r *Runner) pollProgress(ctx context.Context) {
	for {
		raw, err := r.api.GetLookBackProgress(ctx, r.jobID, r.start, r.end)
		if err != nil {
			r.fail(fmt.Errorf("progress fetch: %w", err))
			return
		}
		pct := clampDisplay(raw)
		now := r.clock.Now()

		r.mu.Lock()
		r.cadence.adjust(now, pct, r.percent)
		r.percent = pct
		interval := r.cadence.interval
		r.mu.Unlock()

		r.progressCh.Publish(pct)
		r.logger.Debug("progress tick",
			zap.String("job_id", r.jobID),
			zap.Int("percent", pct),
			zap.Duration("refresh_interval", interval),
		)

		if !raw.IsRunning && raw.IsJobClosed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(interval):
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// clampDisplay bounds the raw progress to [0,100] and presents 99 instead of
// 100 while the job is still running or not yet closed, so UI affordances
// gated on completion do not appear prematurely.
func clampDisplay(p mljob.LookBackProgress) int {
	pct := p.Progress
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct == 100 && (p.IsRunning || !p.IsJobClosed) {
		pct = 99
	}
	return pct
}

// finish publishes the terminal 100 and releases every subscription attached
// for this run. Natural completion and cancellation are not distinguished to
// the outside.
func (r *Runner) finish() {
	r.mu.Lock()
	r.percent = 100
	r.mu.Unlock()
	r.progressCh.Publish(100)
	r.progressCh.CloseAll()
	r.assignmentCh.CloseAll()
	r.logger.Info("datafeed watch finished", zap.String("job_id", r.jobID))
	close(r.done)
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	if r.runErr == nil {
		r.runErr = err
	}
	r.mu.Unlock()
	r.logger.Error("datafeed watch error", zap.String("job_id", r.jobID), zap.Error(err))
}

// unlatch re-opens the start latch after a failed begin so the caller may
// retry with the same Runner.
func (r *Runner) unlatch() {
	r.mu.Lock()
	r.began = false
	r.mu.Unlock()
}

func (r *Runner) setAssigned() {
	r.mu.Lock()
	already := r.assigned
	r.assigned = true
	r.mu.Unlock()
	if !already {
		r.assignmentCh.Publish(true)
	}
}

// Progress is a direct passthrough to the external status source; it is
// always available independent of loop state.
func (r *Runner) Progress(ctx context.Context) (mljob.LookBackProgress, error) {
	return r.api.GetLookBackProgress(ctx, r.jobID, r.start, r.end)
}

// IsRunning reports whether the external source considers the job running.
func (r *Runner) IsRunning(ctx context.Context) (bool, error) {
	p, err := r.Progress(ctx)
	if err != nil {
		return false, err
	}
	return p.IsRunning, nil
}

// IsJobAssignedToNode reads the cached assignment state. It may be stale
// relative to the external source until the next assignment or progress tick.
func (r *Runner) IsJobAssignedToNode() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assigned
}

// SubscribeToProgress attaches fn to the progress channel; fn immediately
// receives the current percentage.
func (r *Runner) SubscribeToProgress(fn func(int)) *broadcast.Subscription[int] {
	return r.progressCh.Subscribe(fn)
}

// SubscribeToJobAssignment attaches fn to the assignment channel; fn
// immediately receives the current assignment state.
func (r *Runner) SubscribeToJobAssignment(fn func(bool)) *broadcast.Subscription[bool] {
	return r.assignmentCh.Subscribe(fn)
}

// PercentageComplete returns the last published progress value.
func (r *Runner) PercentageComplete() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.percent
}

// RefreshInterval returns the current poll cadence.
func (r *Runner) RefreshInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cadence.interval
}

// SetRefreshInterval overrides the current poll cadence. Useful for tests to
// avoid waiting on real timers.
func (r *Runner) SetRefreshInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cadence.interval = d
}

// ResetInterval restores the poll cadence to its default.
func (r *Runner) ResetInterval() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cadence.reset()
}

// State reports the datafeed lifecycle state. It moves to started once the
// start call succeeds and is never moved back; lifecycle end is implicit in
// loop termination.
func (r *Runner) State() mljob.DatafeedState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that terminated the watch loop, if any. A run that
// completed or was cancelled cleanly returns nil.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Done is closed once the watch loop has published its terminal value and
// released its subscriptions (or, for real-time runs, immediately).
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// JobID returns the run's job identifier.
func (r *Runner) JobID() string { return r.jobID }

// DatafeedID returns the run's datafeed identifier.
func (r *Runner) DatafeedID() string { return r.datafeedID }
