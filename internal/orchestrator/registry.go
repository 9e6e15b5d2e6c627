package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/avelieva/linksentry/internal/manifest"
)

// Registry errors.
var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobActive  = errors.New("job already active")
)

// Factory builds an orchestrator for a manifest. The registry owns the
// resulting lifecycle.
type Factory func(man manifest.Manifest) (*Orchestrator, error)

// Registry tracks orchestrators by job id so HTTP handlers can address
// jobs across requests. Terminal jobs stay visible until replaced.
type Registry struct {
	factory Factory

	mu   sync.Mutex
	jobs map[string]*Orchestrator
}

// NewRegistry builds an empty registry around the factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, jobs: make(map[string]*Orchestrator)}
}

// Start creates and starts a job for the manifest. A job id may be
// reused once its previous run reached a terminal phase.
func (r *Registry) Start(ctx context.Context, man manifest.Manifest) (*Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.jobs[man.JobID]; ok {
		switch existing.State(ctx).Phase {
		case Completed, Cancelled, Failed:
			// replaced below
		default:
			return nil, fmt.Errorf("%w: %s", ErrJobActive, man.JobID)
		}
	}

	o, err := r.factory(man)
	if err != nil {
		return nil, err
	}
	if err := o.Start(ctx); err != nil {
		return nil, err
	}
	r.jobs[man.JobID] = o
	return o, nil
}

// Get returns the orchestrator for a job id.
func (r *Registry) Get(jobID string) (*Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return o, nil
}

// List snapshots the state of every known job.
func (r *Registry) List(ctx context.Context) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.jobs))
	for _, o := range r.jobs {
		out = append(out, o.State(ctx))
	}
	return out
}
