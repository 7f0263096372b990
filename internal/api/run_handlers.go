package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amirbenun/kibana/internal/datafeed"
)

type startRunRequest struct {
	JobID          string `json:"job_id"`
	DatafeedID     string `json:"datafeed_id"`
	Start          *int64 `json:"start,omitempty"`
	End            *int64 `json:"end,omitempty"`
	AssignedToNode bool   `json:"assigned_to_node,omitempty"`
	RealTime       bool   `json:"real_time,omitempty"`
	ContinueJob    bool   `json:"continue_job,omitempty"`
}

type runDTO struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	DatafeedID      string    `json:"datafeed_id"`
	State           string    `json:"state"`
	Percent         int       `json:"percent"`
	Assigned        bool      `json:"assigned"`
	RefreshInterval int64     `json:"refresh_interval_ms"`
	StartedAt       time.Time `json:"started_at"`
	Done            bool      `json:"done"`
	Error           string    `json:"error,omitempty"`
}

// startRun handles POST /v1/runs. It opens the job, starts the datafeed, and
// registers a watch run. Real-time starts register the run but do not poll.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.JobID == "" || req.DatafeedID == "" {
		writeError(w, http.StatusBadRequest, "job_id and datafeed_id are required")
		return
	}

	runner := datafeed.NewRunner(s.source, s.runnerOptions(req))
	runCtx, cancel := context.WithCancel(s.base)

	var started bool
	var err error
	if req.RealTime {
		started, err = runner.StartDatafeedInRealTime(runCtx, req.ContinueJob)
	} else {
		started, err = runner.StartDatafeed(runCtx)
	}
	if err != nil {
		cancel()
		s.logger.Error("datafeed start failed", zap.String("job_id", req.JobID), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !started {
		cancel()
		writeError(w, http.StatusConflict, "datafeed did not start")
		return
	}

	run := s.registry.Add(runner, s.now(), cancel)
	s.track(runCtx, run, req.RealTime)
	writeJSON(w, http.StatusCreated, map[string]any{"run": toRunDTO(run)})
}

// listRuns handles GET /v1/runs.
func (s *Server) listRuns(w http.ResponseWriter, _ *http.Request) {
	runs := s.registry.List()
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// getRun handles GET /v1/runs/{run_id}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// cancelRun handles POST /v1/runs/{run_id}/_cancel. Cancellation is
// cooperative: the watch loop halts at its next safe point and still
// publishes its terminal value.
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	run.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]any{"run": toRunDTO(run)})
}

// deleteRun handles DELETE /v1/runs/{run_id}. Only finished runs may be
// removed; an active run must be cancelled and allowed to terminate first.
func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	select {
	case <-run.Runner.Done():
	default:
		writeError(w, http.StatusConflict, "run is still active")
		return
	}
	s.registry.Remove(run.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*datafeed.Run, bool) {
	idStr := chi.URLParam(r, "run_id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return nil, false
	}
	run, err := s.registry.Get(id)
	if err != nil {
		if errors.Is(err, datafeed.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return nil, false
	}
	return run, true
}

func toRunDTO(run *datafeed.Run) runDTO {
	dto := runDTO{
		ID:              run.ID.String(),
		JobID:           run.Runner.JobID(),
		DatafeedID:      run.Runner.DatafeedID(),
		State:           string(run.Runner.State()),
		Percent:         run.Runner.PercentageComplete(),
		Assigned:        run.Runner.IsJobAssignedToNode(),
		RefreshInterval: run.Runner.RefreshInterval().Milliseconds(),
		StartedAt:       run.StartedAt,
	}
	select {
	case <-run.Runner.Done():
		dto.Done = true
	default:
	}
	if err := run.Runner.Err(); err != nil {
		dto.Error = err.Error()
	}
	return dto
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
