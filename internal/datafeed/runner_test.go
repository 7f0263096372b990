package datafeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amirbenun/kibana/internal/mljob"
)

type progressStep struct {
	p   mljob.LookBackProgress
	err error
}

// stubAPI scripts the external status source. Stats and progress scripts
// repeat their last entry once exhausted.
type stubAPI struct {
	mu sync.Mutex

	open     mljob.OpenJobResult
	openErr  error
	startRes mljob.StartDatafeedResult
	startErr error

	statsScript [][]mljob.JobStats
	statsCalls  int

	progScript []progressStep
	progCalls  int

	startReqs []mljob.StartDatafeedRequest

	statsAtFirstProgress int
}

func newStubAPI() *stubAPI {
	return &stubAPI{
		open:     mljob.OpenJobResult{Opened: true, Node: "node-0"},
		startRes: mljob.StartDatafeedResult{Started: true},
	}
}

func (s *stubAPI) OpenJob(context.Context, string) (mljob.OpenJobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open, s.openErr
}

func (s *stubAPI) StartDatafeed(_ context.Context, req mljob.StartDatafeedRequest) (mljob.StartDatafeedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startReqs = append(s.startReqs, req)
	return s.startRes, s.startErr
}

func (s *stubAPI) GetJobStats(context.Context, string) ([]mljob.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statsScript) == 0 {
		s.statsCalls++
		return []mljob.JobStats{{Node: "node-0"}}, nil
	}
	idx := s.statsCalls
	if idx >= len(s.statsScript) {
		idx = len(s.statsScript) - 1
	}
	s.statsCalls++
	return s.statsScript[idx], nil
}

func (s *stubAPI) GetLookBackProgress(context.Context, string, *int64, *int64) (mljob.LookBackProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progCalls == 0 {
		s.statsAtFirstProgress = s.statsCalls
	}
	if len(s.progScript) == 0 {
		s.progCalls++
		return mljob.LookBackProgress{Progress: 100, IsRunning: false, IsJobClosed: true}, nil
	}
	idx := s.progCalls
	if idx >= len(s.progScript) {
		idx = len(s.progScript) - 1
	}
	s.progCalls++
	step := s.progScript[idx]
	return step.p, step.err
}

func (s *stubAPI) progressCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progCalls
}

func (s *stubAPI) statsCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsCalls
}

type intCollector struct {
	mu   sync.Mutex
	vals []int
}

func (c *intCollector) add(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals = append(c.vals, v)
}

func (c *intCollector) values() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.vals))
	copy(out, c.vals)
	return out
}

func fastOptions() Options {
	return Options{
		JobID:              "job-1",
		DatafeedID:         "datafeed-job-1",
		RefreshInterval:    time.Millisecond,
		AssignmentInterval: time.Millisecond,
		AdjustmentGrace:    time.Hour,
	}
}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watch loop did not finish")
	}
}

// TestRunnerPublishesClampedSequence walks a full lookback: progress
// 10, 40, 100-while-running yields 10, 40, 99, and the run ends on 100 once
// the job stops and closes.
func TestRunnerPublishesClampedSequence(t *testing.T) {
	t.Parallel()

	api := newStubAPI()
	api.progScript = []progressStep{
		{p: mljob.LookBackProgress{Progress: 10, IsRunning: true}},
		{p: mljob.LookBackProgress{Progress: 40, IsRunning: true}},
		{p: mljob.LookBackProgress{Progress: 100, IsRunning: true}},
		{p: mljob.LookBackProgress{Progress: 100, IsRunning: false, IsJobClosed: true}},
	}

	var first, second intCollector
	opts := fastOptions()
	opts.ProgressSubscribers = []func(int){first.add}
	r := NewRunner(api, opts)
	r.SubscribeToProgress(second.add)

	started, err := r.StartDatafeed(context.Background())
	require.NoError(t, err)
	require.True(t, started)
	waitDone(t, r)

	want := []int{0, 10, 40, 99, 100, 100}
	require.Equal(t, want, first.values())
	require.Equal(t, want, second.values())
	require.NoError(t, r.Err())
	require.Equal(t, mljob.DatafeedStarted, r.State())
	require.Equal(t, 100, r.PercentageComplete())
}

// TestRunnerPublishedValuesStayInRange feeds out-of-range raw progress and
// verifies every published value is within [0,100].
func TestRunnerPublishedValuesStayInRange(t *testing.T) {
	t.Parallel()

	api := newStubAPI()
	api.progScript = []progressStep{
		{p: mljob.LookBackProgress{Progress: -5, IsRunning: true}},
		{p: mljob.LookBackProgress{Progress: 150, IsRunning: true}},
		{p: mljob.LookBackProgress{Progress: 100, IsRunning: false, IsJobClosed: true}},
	}

	var got intCollector
	r := NewRunner(api, fastOptions())
	r.SubscribeToProgress(got.add)

	_, err := r.StartDatafeed(context.Background())
	require.NoError(t, err)
	waitDone(t, r)

	vals := got.values()
	for _, v := range vals {
		require.GreaterOrEqual(t, v, 0)
		require.LessOrEqual(t, v, 100)
	}
	// 150 while running is clamped to 100 and then displayed as 99.
	require.Equal(t, []int{0, 0, 99, 100, 100}, vals)
}

// TestRunnerWaitsForAssignment verifies no progress fetch happens until the
// assignment check reports a worker, and that the assignment channel sees
// true exactly once.
func TestRunnerWaitsForAssignment(t *testing.T) {
	t.Parallel()

	api := newStubAPI()
	api.open = mljob.OpenJobResult{Opened: true}
	api.statsScript = [][]mljob.JobStats{
		{{JobID: "job-1"}},
		{{JobID: "job-1"}},
		{{JobID: "job-1", Node: "node-2"}},
	}

	var assignments []bool
	var mu sync.Mutex
	opts := fastOptions()
	opts.AssignmentSubscribers = []func(bool){func(v bool) {
		mu.Lock()
		assignments = append(assignments, v)
		mu.Unlock()
	}}
	r := NewRunner(api, opts)
	require.False(t, r.IsJobAssignedToNode())

	_, err := r.StartDatafeed(context.Background())
	require.NoError(t, err)
	waitDone(t, r)

	api.mu.Lock()
	statsAtFirstProgress := api.statsAtFirstProgress
	api.mu.Unlock()
	require.Equal(t, 3, statsAtFirstProgress, "progress polled before assignment was reported")
	require.True(t, r.IsJobAssignedToNode())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{false, true}, assignments)
}

// TestRunnerSkipsGateWhenAssignmentKnown verifies the gate is skipped
// entirely when assignment is known from creation metadata.
func TestRunnerSkipsGateWhenAssignmentKnown(t *testing.T) {
	t.Parallel()

	api := newStubAPI()
	api.open = mljob.OpenJobResult{Opened: true}
	opts := fastOptions()
	opts.AssignedToNode = true
	r := NewRunner(api, opts)

	_, err := r.StartDatafeed(context.Background())
	require.NoError(t, err)
	waitDone(t, r)

	require.Zero(t, api.statsCallCount())
}

// TestRunnerOpenReportsImmediateAssignment verifies a node in the open
// response bypasses the gate and publishes the assignment transition.
func TestRunnerOpenReportsImmediateAssignment(t *testing.T) {
	t.Parallel()

	api := newStubAPI()
	api.open = mljob.OpenJobResult{Opened: true, Node: "node-7"}

	var assignments []bool
	var mu sync.Mutex
	r := NewRunner(api, fastOptions())
	r.SubscribeToJobAssignment(func(v bool) {
		mu.Lock()
		assignments = append(assignments, v)
		mu.Unlock()
	})

	_, err := r.StartDatafeed(context.Background())
	require.NoError(t, err)
	waitDone(t, r)

	require.Zero(t, api.statsCallCount())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{false, true}, assignments)
}

// TestRunnerCancellationPublishesTerminal verifies cancelling the context
// between ticks halts rescheduling and still ends the stream on 100.
func TestRunnerCancellationPublishesTerminal(t *testing.T) {
	t.Parallel()

	api := newStubAPI()
	api.progScript = []progressStep{
		{p: mljob.LookBackProgress{Progress: 10, IsRunning: true}},
	}

	var got intCollector
	r := NewRunner(api, fastOptions())
	r.SubscribeToProgress(got.add)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.StartDatafeed(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return api.progressCalls() >= 2
	}, 5*time.Second, time.Millisecond)
	cancel()
	waitDone(t, r)

	vals := got.values()
	require.Equal(t, 100, vals[len(vals)-1])
	require.NoError(t, r.Err())

	calls := api.progressCalls()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, calls, api.progressCalls(), "loop kept polling after cancellation")
}

// TestRunnerFetchErrorEndsRun verifies a progress fetch failure is recorded,
// halts the loop, and still publishes the terminal 100.
func TestRunnerFetchErrorEndsRun(t *testing.T) {
	t.Parallel()

	fetchErr := errors.New("status source unavailable")
	api := newStubAPI()
	api.progScript = []progressStep{
		{p: mljob.LookBackProgress{Progress: 10, IsRunning: true}},
		{err: fetchErr},
	}

	var got intCollector
	r := NewRunner(api, fastOptions())
	r.SubscribeToProgress(got.add)

	_, err := r.StartDatafeed(context.Background())
	require.NoError(t, err)
	waitDone(t, r)

	require.ErrorIs(t, r.Err(), fetchErr)
	vals := got.values()
	require.Equal(t, []int{0, 10, 100}, vals)
}

// TestRunnerStartFailuresPropagate verifies open/start errors reach the
// caller unmodified and leave the datafeed stopped.
func TestRunnerStartFailuresPropagate(t *testing.T) {
	t.Parallel()

	openErr := errors.New("job open rejected")
	api := newStubAPI()
	api.openErr = openErr
	r := NewRunner(api, fastOptions())
	started, err := r.StartDatafeed(context.Background())
	require.ErrorIs(t, err, openErr)
	require.False(t, started)
	require.Equal(t, mljob.DatafeedStopped, r.State())

	startErr := errors.New("datafeed start rejected")
	api = newStubAPI()
	api.startErr = startErr
	r = NewRunner(api, fastOptions())
	started, err = r.StartDatafeed(context.Background())
	require.ErrorIs(t, err, startErr)
	require.False(t, started)
	require.Equal(t, mljob.DatafeedStopped, r.State())
}

// TestRunnerStartNotStarted covers a clean "started: false" response: no
// error, no watch loop.
func TestRunnerStartNotStarted(t *testing.T) {
	t.Parallel()

	api := newStubAPI()
	api.startRes = mljob.StartDatafeedResult{Started: false}
	r := NewRunner(api, fastOptions())

	started, err := r.StartDatafeed(context.Background())
	require.NoError(t, err)
	require.False(t, started)
	require.Equal(t, mljob.DatafeedStopped, r.State())
	require.Zero(t, api.progressCalls())
}

// TestRunnerRealTimeDisablesPolling verifies the real-time mode starts from
// the original end bound when continuing and never polls progress.
func TestRunnerRealTimeDisablesPolling(t *testing.T) {
	t.Parallel()

	end := int64(1756400000000)
	api := newStubAPI()
	opts := fastOptions()
	opts.Start = mljob.EpochMillis(1756300000000)
	opts.End = &end
	r := NewRunner(api, opts)

	started, err := r.StartDatafeedInRealTime(context.Background(), true)
	require.NoError(t, err)
	require.True(t, started)
	waitDone(t, r)

	api.mu.Lock()
	req := api.startReqs[0]
	api.mu.Unlock()
	require.NotNil(t, req.Start)
	require.Equal(t, end, *req.Start)
	require.Nil(t, req.End)
	require.Zero(t, api.progressCalls())
	require.Equal(t, mljob.DatafeedStarted, r.State())
}

// TestRunnerRealTimeFreshStart verifies continueJob=false ignores the
// original bounds entirely.
func TestRunnerRealTimeFreshStart(t *testing.T) {
	t.Parallel()

	end := int64(1756400000000)
	api := newStubAPI()
	opts := fastOptions()
	opts.End = &end
	r := NewRunner(api, opts)

	started, err := r.StartDatafeedInRealTime(context.Background(), false)
	require.NoError(t, err)
	require.True(t, started)

	api.mu.Lock()
	req := api.startReqs[0]
	api.mu.Unlock()
	require.Nil(t, req.Start)
	require.Nil(t, req.End)
}

// TestRunnerIntervalOverrides exercises the get/set/reset cadence surface.
func TestRunnerIntervalOverrides(t *testing.T) {
	t.Parallel()

	r := NewRunner(newStubAPI(), Options{JobID: "job-1", DatafeedID: "datafeed-job-1"})
	require.Equal(t, DefaultRefreshInterval, r.RefreshInterval())

	r.SetRefreshInterval(5 * time.Millisecond)
	require.Equal(t, 5*time.Millisecond, r.RefreshInterval())

	r.ResetInterval()
	require.Equal(t, DefaultRefreshInterval, r.RefreshInterval())
}

// TestRunnerProgressPassthrough verifies Progress and IsRunning consult the
// external source directly, independent of loop state.
func TestRunnerProgressPassthrough(t *testing.T) {
	t.Parallel()

	api := newStubAPI()
	api.progScript = []progressStep{
		{p: mljob.LookBackProgress{Progress: 37, IsRunning: true}},
	}
	r := NewRunner(api, fastOptions())

	p, err := r.Progress(context.Background())
	require.NoError(t, err)
	require.Equal(t, 37, p.Progress)

	running, err := r.IsRunning(context.Background())
	require.NoError(t, err)
	require.True(t, running)
}

// TestRunnerLateSubscriberSeesTerminalValue verifies the replay semantics
// after a run has finished: a late subscriber immediately receives 100.
func TestRunnerLateSubscriberSeesTerminalValue(t *testing.T) {
	t.Parallel()

	r := NewRunner(newStubAPI(), fastOptions())
	_, err := r.StartDatafeed(context.Background())
	require.NoError(t, err)
	waitDone(t, r)

	var got []int
	r.SubscribeToProgress(func(v int) { got = append(got, v) })
	require.Equal(t, []int{100}, got)
}

// TestRunnerRejectsSecondStart verifies a Runner drives at most one run:
// repeat starts fail fast instead of spawning a second watch loop.
func TestRunnerRejectsSecondStart(t *testing.T) {
	t.Parallel()

	api := newStubAPI()
	api.progScript = []progressStep{
		{p: mljob.LookBackProgress{Progress: 10, IsRunning: true}},
	}
	r := NewRunner(api, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started, err := r.StartDatafeed(ctx)
	require.NoError(t, err)
	require.True(t, started)

	started, err = r.StartDatafeed(ctx)
	require.ErrorIs(t, err, ErrAlreadyStarted)
	require.False(t, started)

	started, err = r.StartDatafeedInRealTime(ctx, false)
	require.ErrorIs(t, err, ErrAlreadyStarted)
	require.False(t, started)

	cancel()
	waitDone(t, r)
}

// TestRunnerRealTimeStartBlocksLookBackStart covers the other ordering: a
// real-time start occupies the Runner even though it launches no loop.
func TestRunnerRealTimeStartBlocksLookBackStart(t *testing.T) {
	t.Parallel()

	api := newStubAPI()
	r := NewRunner(api, fastOptions())

	started, err := r.StartDatafeedInRealTime(context.Background(), false)
	require.NoError(t, err)
	require.True(t, started)

	started, err = r.StartDatafeed(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStarted)
	require.False(t, started)
}

// TestRunnerStartRetriesAfterFailure verifies a failed start releases the
// Runner for another attempt.
func TestRunnerStartRetriesAfterFailure(t *testing.T) {
	t.Parallel()

	api := newStubAPI()
	api.mu.Lock()
	api.startErr = errors.New("transport down")
	api.mu.Unlock()
	r := NewRunner(api, fastOptions())

	started, err := r.StartDatafeed(context.Background())
	require.Error(t, err)
	require.False(t, started)

	api.mu.Lock()
	api.startErr = nil
	api.mu.Unlock()

	started, err = r.StartDatafeed(context.Background())
	require.NoError(t, err)
	require.True(t, started)
	waitDone(t, r)
}
