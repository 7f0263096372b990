package mljob

import (
	"context"
	"time"
)

// JobsAPI is the external status source the watcher polls. Implementations
// talk to whatever backend actually runs the job; the watcher only relies on
// this contract.
type JobsAPI interface {
	// OpenJob opens the job so a datafeed can be started against it.
	OpenJob(ctx context.Context, jobID string) (OpenJobResult, error)
	// StartDatafeed begins feeding data into the job.
	StartDatafeed(ctx context.Context, req StartDatafeedRequest) (StartDatafeedResult, error)
	// GetJobStats returns per-job stats; assignment is reported through the
	// Node field of the matching entry.
	GetJobStats(ctx context.Context, jobID string) ([]JobStats, error)
	// GetLookBackProgress reports the job's progress over [start, end].
	GetLookBackProgress(ctx context.Context, jobID string, start, end *int64) (LookBackProgress, error)
}

// Clock abstracts wall time and timers (useful for testing).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
