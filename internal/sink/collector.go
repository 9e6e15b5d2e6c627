package sink

import (
	"context"
	"sync"

	"github.com/avelieva/linksentry/internal/check"
)

// Collector is the append-only bridge between producer workers and a
// polling consumer. Appends hold the lock only long enough to grow the
// slice; Snapshot and Since return copies so readers never observe a
// partially written record. Consumers are expected to poll on a fixed
// interval rather than being pushed to.
type Collector struct {
	mu      sync.Mutex
	records []check.Record
}

// NewCollector constructs an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Begin implements check.Sink; the collector has no per-run setup.
func (c *Collector) Begin(context.Context, string) error {
	return nil
}

// Record appends rec. Safe for concurrent use by any number of workers.
func (c *Collector) Record(_ context.Context, rec check.Record) error {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
	return nil
}

// End implements check.Sink; nothing to flush for an in-memory sink.
func (c *Collector) End(context.Context, check.Summary) error {
	return nil
}

// Len returns the number of records appended so far.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Snapshot returns all records in append order.
func (c *Collector) Snapshot() []check.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]check.Record(nil), c.records...)
}

// Since returns the records appended at or after offset together with
// the next offset to poll from. Offsets outside the valid range are
// clamped, so a stale or negative offset never fails.
func (c *Collector) Since(offset int) ([]check.Record, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset > len(c.records) {
		offset = len(c.records)
	}
	out := append([]check.Record(nil), c.records[offset:]...)
	return out, len(c.records)
}
