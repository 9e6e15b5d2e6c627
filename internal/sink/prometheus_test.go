package sink

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/avelieva/linksentry/internal/check"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are
// driven by the sink lifecycle.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Begin(ctx, "job-1"))
	require.Equal(t, 1.0, testutil.ToFloat64(s.jobsRunning))

	require.NoError(t, s.Record(ctx, check.Record{URL: "https://a.test", Valid: true, Size: 1024, CheckTime: 0.2}))
	require.NoError(t, s.Record(ctx, check.Record{URL: "https://b.test", Valid: false, Size: -1}))

	require.NoError(t, s.End(ctx, check.Summary{JobID: "job-1", Duration: 15 * time.Second}))

	require.Equal(t, 1.0, testutil.ToFloat64(s.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(s.jobsCompleted.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(s.jobsCompleted.WithLabelValues("paused")))
	require.Equal(t, 0.0, testutil.ToFloat64(s.jobsRunning))

	require.InDelta(t, 1.0, testutil.ToFloat64(s.urlsChecked.WithLabelValues("true")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(s.urlsChecked.WithLabelValues("false")), 1e-9)
	require.InDelta(t, 1024.0, testutil.ToFloat64(s.checkBytes), 1e-9)
}

// TestPrometheusSinkPausedResult labels soft ends separately.
func TestPrometheusSinkPausedResult(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Begin(ctx, "job-2"))
	require.NoError(t, s.End(ctx, check.Summary{JobID: "job-2", Soft: true}))

	require.Equal(t, 1.0, testutil.ToFloat64(s.jobsCompleted.WithLabelValues("paused")))
	require.Equal(t, 0.0, testutil.ToFloat64(s.jobsRunning))
}
