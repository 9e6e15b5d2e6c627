// Package check defines core types shared across subsystems.
package check

import "time"

// TaskState represents the lifecycle state of a frontier task.
type TaskState string

// Task states persisted in the frontier.
const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskDone       TaskState = "done"
)

// Task is one frontier entry. The frontier owns task state exclusively;
// workers only act on it through claim/complete/requeue operations.
type Task struct {
	ID        int64
	URL       string
	ParentURL string
	Depth     int
	State     TaskState
	ClaimedBy string
}

// Record is the outcome of checking a single URL. It is produced exactly
// once per task that reaches done and is immutable afterwards.
type Record struct {
	URL         string    `json:"url"`
	ParentURL   string    `json:"parent_url,omitempty"`
	Valid       bool      `json:"valid"`
	Warnings    []string  `json:"warnings,omitempty"`
	Info        []string  `json:"info,omitempty"`
	CheckTime   float64   `json:"check_time_seconds"`
	Size        int64     `json:"size_bytes"`
	ContentType string    `json:"content_type,omitempty"`
	Depth       int       `json:"depth"`
	External    bool      `json:"is_external"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Counts mirrors the frontier's task states at one instant. The sum of
// all three fields equals the total number of discovered URLs.
type Counts struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Done       int64 `json:"done"`
}

// Total returns the number of URLs discovered so far.
func (c Counts) Total() int64 {
	return c.Pending + c.InProgress + c.Done
}

// Summary describes one finished run segment of a job. It is handed to
// sinks on End and persisted by the history store on natural completion.
type Summary struct {
	SessionID    string        `json:"session_id"`
	JobID        string        `json:"job_id"`
	SeedURLs     []string      `json:"seed_urls"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Total        int           `json:"total"`
	ValidCount   int           `json:"valid_count"`
	ErrorCount   int           `json:"error_count"`
	WarningCount int           `json:"warning_count"`

	// Soft marks a pause rather than a terminal completion; file sinks
	// finalize their output either way.
	Soft bool `json:"soft,omitempty"`
}
