// Package manifest describes the immutable inputs of a check job and
// validates resume compatibility against persisted state.
package manifest

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrMismatch signals a resume request whose manifest is not compatible
// with the one persisted alongside the durable frontier. The caller must
// treat it as fail-closed: no state has been mutated.
var ErrMismatch = errors.New("manifest incompatible with persisted job")

// Manifest captures everything needed to start a job. It is immutable
// once the job is running.
type Manifest struct {
	JobID           string    `json:"job_id"`
	SeedURLs        []string  `json:"seed_urls"`
	MaxDepth        int       `json:"max_depth"` // -1 = unlimited
	WorkerCount     int       `json:"worker_count"`
	IncludeExternal bool      `json:"include_external"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate enforces required values before a job may start.
func (m Manifest) Validate() error {
	if m.JobID == "" {
		return errors.New("manifest: job_id is required")
	}
	if len(m.SeedURLs) == 0 {
		return errors.New("manifest: seed_urls must not be empty")
	}
	for _, u := range m.SeedURLs {
		if u == "" {
			return errors.New("manifest: seed_urls must not contain empty entries")
		}
	}
	if m.MaxDepth < -1 {
		return fmt.Errorf("manifest: max_depth %d is invalid", m.MaxDepth)
	}
	if m.WorkerCount <= 0 {
		return fmt.Errorf("manifest: worker_count must be > 0, got %d", m.WorkerCount)
	}
	return nil
}

// CompatibleForResume reports whether m may resume a job persisted with
// prev. Seed URLs, recursion depth and external scope must be identical;
// the worker count may differ between runs.
func (m Manifest) CompatibleForResume(prev Manifest) error {
	if !slices.Equal(m.SeedURLs, prev.SeedURLs) {
		return fmt.Errorf("%w: seed_urls differ", ErrMismatch)
	}
	if m.MaxDepth != prev.MaxDepth {
		return fmt.Errorf("%w: max_depth %d != %d", ErrMismatch, m.MaxDepth, prev.MaxDepth)
	}
	if m.IncludeExternal != prev.IncludeExternal {
		return fmt.Errorf("%w: include_external differs", ErrMismatch)
	}
	return nil
}
