package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/avelieva/linksentry/internal/check"
)

// PrometheusSink exports check progress metrics. It owns all collectors
// for jobs started/completed/running and per-result counters.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    prometheus.Histogram

	urlsChecked   *prometheus.CounterVec
	checkBytes    prometheus.Counter
	checkDuration prometheus.Histogram

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided
// registry. A nil registry falls back to the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linksentry_jobs_started_total",
			Help: "Total job run segments that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linksentry_jobs_completed_total",
			Help: "Total job run segments ended, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linksentry_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linksentry_job_runtime_seconds",
			Help:    "Wall time per ended run segment.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		urlsChecked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linksentry_urls_checked_total",
			Help: "Checked URLs partitioned by validity.",
		}, []string{"valid"}),
		checkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linksentry_check_bytes_total",
			Help: "Bytes observed across checked URLs.",
		}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linksentry_check_duration_seconds",
			Help:    "Per-URL check duration.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.urlsChecked,
		s.checkBytes,
		s.checkDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register check collector: %w", err)
		}
	}
	return s, nil
}

// Begin marks a run segment as started.
func (s *PrometheusSink) Begin(_ context.Context, jobID string) error {
	s.jobsStarted.Inc()
	if s.tracker.start(jobID) {
		s.jobsRunning.Inc()
	}
	return nil
}

// Record updates the per-URL collectors. Safe for concurrent use.
func (s *PrometheusSink) Record(_ context.Context, rec check.Record) error {
	valid := "false"
	if rec.Valid {
		valid = "true"
	}
	s.urlsChecked.WithLabelValues(valid).Inc()
	if rec.Size > 0 {
		s.checkBytes.Add(float64(rec.Size))
	}
	if rec.CheckTime > 0 {
		s.checkDuration.Observe(rec.CheckTime)
	}
	return nil
}

// End marks the run segment as finished.
func (s *PrometheusSink) End(_ context.Context, summary check.Summary) error {
	result := "completed"
	if summary.Soft {
		result = "paused"
	}
	s.jobsCompleted.WithLabelValues(result).Inc()
	if summary.Duration > 0 {
		s.jobRuntime.Observe(summary.Duration.Seconds())
	}
	if s.tracker.complete(summary.JobID) {
		s.jobsRunning.Dec()
	}
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
