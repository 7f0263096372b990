// Package api exposes the HTTP interface of the datafeed watch service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amirbenun/kibana/internal/config"
	"github.com/amirbenun/kibana/internal/datafeed"
	"github.com/amirbenun/kibana/internal/mljob"
	"github.com/amirbenun/kibana/internal/telemetry"
)

// Server wires HTTP handlers to the run registry and the external status
// source.
type Server struct {
	router   chi.Router
	source   mljob.JobsAPI
	registry *datafeed.Registry
	clock    mljob.Clock
	watchCfg config.WatchConfig
	recorder *telemetry.Recorder
	logger   *zap.Logger

	// base is the parent context of every watch loop; cancelling it stops
	// all runs during shutdown.
	base context.Context
}

// NewServer constructs a Server with routes attached. gatherer backs the
// /metrics endpoint; recorder and logger may be nil.
func NewServer(
	base context.Context,
	source mljob.JobsAPI,
	registry *datafeed.Registry,
	clock mljob.Clock,
	watchCfg config.WatchConfig,
	recorder *telemetry.Recorder,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if base == nil {
		base = context.Background()
	}
	s := &Server{
		source:   source,
		registry: registry,
		clock:    clock,
		watchCfg: watchCfg,
		recorder: recorder,
		logger:   logger,
		base:     base,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger.Named("http")))
	r.Use(recoverMiddleware(logger))
	r.Get("/healthz", s.healthz)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/_cancel", s.cancelRun)
				r.Delete("/", s.deleteRun)
			})
		})
	})
	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// track attaches the metrics recorder to a freshly started run and records
// its completion once the watch loop exits.
func (s *Server) track(ctx context.Context, run *datafeed.Run, realTime bool) {
	if s.recorder == nil {
		return
	}
	s.recorder.RunStarted()
	if realTime {
		// Real-time runs have no watch loop and Done closes at start, so the
		// completion goroutine below would misreport them as finished. Settle
		// the counters under their own result label instead.
		s.recorder.RunCompleted("realtime")
		return
	}
	jobID := run.Runner.JobID()
	run.Runner.SubscribeToProgress(func(percent int) {
		s.recorder.ObserveProgress(jobID, percent)
		s.recorder.ObservePollInterval(jobID, run.Runner.RefreshInterval())
	})
	go func() {
		<-run.Runner.Done()
		switch {
		case run.Runner.Err() != nil:
			s.recorder.RunCompleted("error")
		case ctx.Err() != nil:
			s.recorder.RunCompleted("cancelled")
		default:
			s.recorder.RunCompleted("success")
		}
	}()
}

func (s *Server) runnerOptions(req startRunRequest) datafeed.Options {
	return datafeed.Options{
		JobID:              req.JobID,
		DatafeedID:         req.DatafeedID,
		Start:              req.Start,
		End:                req.End,
		AssignedToNode:     req.AssignedToNode,
		RefreshInterval:    s.watchCfg.RefreshInterval(),
		AssignmentInterval: s.watchCfg.AssignmentInterval(),
		AdjustmentGrace:    s.watchCfg.AdjustmentGrace(),
		TargetDelta:        s.watchCfg.TargetDelta,
		Clock:              s.clock,
		Logger:             s.logger.Named("runner"),
	}
}

func (s *Server) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}
