package datafeed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a run ID is not present in the registry.
var ErrNotFound = errors.New("run not found")

// Run pairs a Runner with its registry identity and the cancel function that
// acts as the orchestrator-owned stop signal for the watch loop.
type Run struct {
	ID        uuid.UUID
	Runner    *Runner
	StartedAt time.Time
	cancel    context.CancelFunc
}

// Cancel requests cooperative cancellation of the run's watch loop. The loop
// observes it at its next safe point; an in-flight status fetch completes
// and its value is still published first.
func (r *Run) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Registry tracks active runs by ID so the HTTP surface can list, inspect,
// and cancel them. It is safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*Run
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[uuid.UUID]*Run)}
}

// Add registers a runner under a fresh ID and returns the Run handle.
func (g *Registry) Add(runner *Runner, startedAt time.Time, cancel context.CancelFunc) *Run {
	run := &Run{
		ID:        uuid.New(),
		Runner:    runner,
		StartedAt: startedAt,
		cancel:    cancel,
	}
	g.mu.Lock()
	g.runs[run.ID] = run
	g.mu.Unlock()
	return run
}

// Get returns the run for id, or ErrNotFound.
func (g *Registry) Get(id uuid.UUID) (*Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run, nil
}

// List returns all registered runs ordered by start time.
func (g *Registry) List() []*Run {
	g.mu.Lock()
	out := make([]*Run, 0, len(g.runs))
	for _, run := range g.runs {
		out = append(out, run)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Remove drops the run from the registry. The run itself is left untouched;
// an inert run may simply be discarded.
func (g *Registry) Remove(id uuid.UUID) {
	g.mu.Lock()
	delete(g.runs, id)
	g.mu.Unlock()
}
