package sink

import (
	"context"

	"github.com/avelieva/linksentry/internal/check"
)

// Filter forwards only the records matching a predicate to the wrapped
// sink. Lifecycle calls always pass through, so the wrapped sink still
// sees Begin and End exactly once.
type Filter struct {
	next check.Sink
	keep func(check.Record) bool
}

// NewFilter wraps next with the given predicate. A nil predicate keeps
// every record.
func NewFilter(next check.Sink, keep func(check.Record) bool) *Filter {
	return &Filter{next: next, keep: keep}
}

// InvalidOnly wraps next so that it only receives failed checks.
func InvalidOnly(next check.Sink) *Filter {
	return NewFilter(next, func(rec check.Record) bool {
		return !rec.Valid
	})
}

// Begin forwards to the wrapped sink.
func (f *Filter) Begin(ctx context.Context, jobID string) error {
	return f.next.Begin(ctx, jobID)
}

// Record forwards rec when the predicate matches.
func (f *Filter) Record(ctx context.Context, rec check.Record) error {
	if f.keep != nil && !f.keep(rec) {
		return nil
	}
	return f.next.Record(ctx, rec)
}

// End forwards to the wrapped sink.
func (f *Filter) End(ctx context.Context, summary check.Summary) error {
	return f.next.End(ctx, summary)
}
