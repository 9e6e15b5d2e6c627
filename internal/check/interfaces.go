package check

import (
	"context"
	"time"
)

// Scope carries the rules an engine applies when deciding which
// discovered links are eligible for further checking.
type Scope struct {
	// MaxDepth limits recursion; -1 means unlimited.
	MaxDepth int
	// IncludeExternal allows links pointing outside the seed hosts.
	IncludeExternal bool
	// SeedURLs anchor the notion of "external".
	SeedURLs []string
}

// Engine fetches and validates a single URL, reporting the outcome plus
// any in-scope child links discovered in the response body. A returned
// error means the check itself could not run; the orchestrator converts
// it into an invalid Record rather than propagating it.
type Engine interface {
	Check(ctx context.Context, task Task, scope Scope) (Record, []string, error)
}

// Sink consumes the result stream of one job run. The orchestrator
// guarantees Begin before the first Record and End exactly once per run
// segment, including on pause and cancel. Record may be invoked
// concurrently from multiple workers.
type Sink interface {
	Begin(ctx context.Context, jobID string) error
	Record(ctx context.Context, rec Record) error
	End(ctx context.Context, summary Summary) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
