// Package memory provides an in-memory JobsAPI implementation for
// development and testing. Progress advances along a time-based ramp from
// the moment the datafeed is started.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/amirbenun/kibana/internal/clock/system"
	"github.com/amirbenun/kibana/internal/mljob"
)

// Source simulates the external job/datafeed status API. Jobs must be
// registered with AddJob before they can be opened.
type Source struct {
	clock mljob.Clock

	mu   sync.RWMutex
	jobs map[string]*jobState
}

type jobState struct {
	node        string
	assignDelay time.Duration
	opened      bool
	openedAt    time.Time
	started     bool
	startedAt   time.Time
	runFor      time.Duration
}

// JobSpec describes a simulated job.
type JobSpec struct {
	// JobID identifies the job; the datafeed shares the ID in this source.
	JobID string
	// Node is the worker the job lands on once AssignDelay elapses. Empty
	// means the job is never assigned.
	Node string
	// AssignDelay is how long after open the job takes to be placed on the
	// worker. Zero means it is assigned immediately, in the open response.
	AssignDelay time.Duration
	// RunDuration is how long the look-back takes from datafeed start to
	// 100 percent.
	RunDuration time.Duration
}

// New constructs a Source using the provided clock, or the system clock when
// nil.
func New(clock mljob.Clock) *Source {
	if clock == nil {
		clock = system.New()
	}
	return &Source{clock: clock, jobs: make(map[string]*jobState)}
}

// AddJob registers a simulated job.
func (s *Source) AddJob(spec JobSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[spec.JobID] = &jobState{
		node:        spec.Node,
		assignDelay: spec.AssignDelay,
		runFor:      spec.RunDuration,
	}
}

// OpenJob opens the job. The node is reported immediately only when the spec
// requested no assignment delay.
func (s *Source) OpenJob(_ context.Context, jobID string) (mljob.OpenJobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return mljob.OpenJobResult{}, errors.New("job not found")
	}
	job.opened = true
	job.openedAt = s.clock.Now()
	if job.assignDelay > 0 {
		return mljob.OpenJobResult{Opened: true}, nil
	}
	return mljob.OpenJobResult{Opened: true, Node: job.node}, nil
}

// StartDatafeed begins the simulated look-back run.
func (s *Source) StartDatafeed(_ context.Context, req mljob.StartDatafeedRequest) (mljob.StartDatafeedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[req.JobID]
	if !ok {
		return mljob.StartDatafeedResult{}, errors.New("job not found")
	}
	if !job.opened {
		return mljob.StartDatafeedResult{}, errors.New("job not opened")
	}
	job.started = true
	job.startedAt = s.clock.Now()
	return mljob.StartDatafeedResult{Started: true, Node: job.node}, nil
}

// GetJobStats reports the job's worker assignment.
func (s *Source) GetJobStats(_ context.Context, jobID string) ([]mljob.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, errors.New("job not found")
	}
	stats := mljob.JobStats{JobID: jobID}
	if job.node != "" && job.opened && !s.clock.Now().Before(job.openedAt.Add(job.assignDelay)) {
		stats.Node = job.node
		stats.State = "opened"
	}
	return []mljob.JobStats{stats}, nil
}

// GetLookBackProgress reports progress along the configured ramp.
func (s *Source) GetLookBackProgress(_ context.Context, jobID string, _, _ *int64) (mljob.LookBackProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return mljob.LookBackProgress{}, errors.New("job not found")
	}
	if !job.started {
		return mljob.LookBackProgress{Progress: 0, IsRunning: false, IsJobClosed: false}, nil
	}
	if job.runFor <= 0 {
		return mljob.LookBackProgress{Progress: 100, IsRunning: false, IsJobClosed: true}, nil
	}
	elapsed := s.clock.Now().Sub(job.startedAt)
	pct := int(elapsed * 100 / job.runFor)
	if pct >= 100 {
		return mljob.LookBackProgress{Progress: 100, IsRunning: false, IsJobClosed: true}, nil
	}
	if pct < 0 {
		pct = 0
	}
	return mljob.LookBackProgress{Progress: pct, IsRunning: true, IsJobClosed: false}, nil
}
