// Package telemetry exports watch-loop metrics via Prometheus.
package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns the Prometheus collectors for datafeed watch runs. Its
// observe methods are fed by progress/assignment channel subscriptions and
// are safe for concurrent use.
type Recorder struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	progress      *prometheus.GaugeVec
	pollInterval  *prometheus.GaugeVec
}

// NewRecorder registers the collectors against the provided registry.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datafeed_runs_started_total",
			Help: "Total datafeed watch runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datafeed_runs_completed_total",
			Help: "Total datafeed watch runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datafeed_runs_active",
			Help: "Current number of live watch runs.",
		}),
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datafeed_progress_percent",
			Help: "Last published look-back progress per job.",
		}, []string{"job_id"}),
		pollInterval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datafeed_poll_interval_seconds",
			Help: "Current adaptive poll interval per job.",
		}, []string{"job_id"}),
	}
	for _, collector := range []prometheus.Collector{
		r.runsStarted,
		r.runsCompleted,
		r.runsActive,
		r.progress,
		r.pollInterval,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register watch collector: %w", err)
		}
	}
	return r, nil
}

// RunStarted records a new live run.
func (r *Recorder) RunStarted() {
	r.runsStarted.Inc()
	r.runsActive.Inc()
}

// RunCompleted records a finished run. result is "success", "error",
// "cancelled", or "realtime" for starts that never poll.
func (r *Recorder) RunCompleted(result string) {
	r.runsCompleted.WithLabelValues(result).Inc()
	r.runsActive.Dec()
}

// ObserveProgress records the published progress percentage for a job.
func (r *Recorder) ObserveProgress(jobID string, percent int) {
	r.progress.WithLabelValues(jobID).Set(float64(percent))
}

// ObservePollInterval records the current adaptive poll interval for a job.
func (r *Recorder) ObservePollInterval(jobID string, interval time.Duration) {
	r.pollInterval.WithLabelValues(jobID).Set(interval.Seconds())
}
