// Package mljob defines core types shared across the datafeed subsystems.
package mljob

// DatafeedState represents the lifecycle state of a datafeed run.
type DatafeedState string

// Datafeed states reported by Runner.State.
const (
	DatafeedStopped DatafeedState = "stopped"
	DatafeedStarted DatafeedState = "started"
)

// OpenJobResult is returned by the job-open call. A non-empty Node means the
// job was placed on a worker immediately.
type OpenJobResult struct {
	Opened bool   `json:"opened"`
	Node   string `json:"node,omitempty"`
}

// StartDatafeedRequest captures everything needed to start a datafeed.
// Start and End are epoch milliseconds; a nil End requests an open-ended
// real-time run.
type StartDatafeedRequest struct {
	DatafeedID string
	JobID      string
	Start      *int64
	End        *int64
}

// StartDatafeedResult is returned by the datafeed-start call.
type StartDatafeedResult struct {
	Started bool   `json:"started"`
	Node    string `json:"node,omitempty"`
}

// JobStats is one entry of the job-stats response. Node is empty until the
// job has been assigned to a worker.
type JobStats struct {
	JobID string `json:"job_id"`
	State string `json:"state,omitempty"`
	Node  string `json:"node,omitempty"`
}

// LookBackProgress reports how far a job has processed its configured
// historical time range. Progress is a percentage in [0,100].
type LookBackProgress struct {
	Progress    int  `json:"progress"`
	IsRunning   bool `json:"is_running"`
	IsJobClosed bool `json:"is_job_closed"`
}

// EpochMillis converts an epoch-millisecond bound to a pointer, for request
// structs where absence means open-ended.
func EpochMillis(ms int64) *int64 {
	return &ms
}
