package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/avelieva/linksentry/internal/check"
)

// LogSink emits structured logs for the result stream. It is useful
// during development or audits where no durable output is attached.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Begin logs the start of a run.
func (s *LogSink) Begin(_ context.Context, jobID string) error {
	s.logger.Info("check run started", zap.String("job_id", jobID))
	return nil
}

// Record logs one check result using structured fields.
func (s *LogSink) Record(_ context.Context, rec check.Record) error {
	s.logger.Info("url checked",
		zap.String("url", rec.URL),
		zap.String("parent_url", rec.ParentURL),
		zap.Bool("valid", rec.Valid),
		zap.Strings("warnings", rec.Warnings),
		zap.Float64("check_time_seconds", rec.CheckTime),
		zap.Int64("size_bytes", rec.Size),
		zap.String("content_type", rec.ContentType),
		zap.Int("depth", rec.Depth),
		zap.Bool("external", rec.External),
	)
	return nil
}

// End logs the run summary.
func (s *LogSink) End(_ context.Context, summary check.Summary) error {
	s.logger.Info("check run ended",
		zap.String("job_id", summary.JobID),
		zap.Int("total", summary.Total),
		zap.Int("valid", summary.ValidCount),
		zap.Int("errors", summary.ErrorCount),
		zap.Int("warnings", summary.WarningCount),
		zap.Duration("duration", summary.Duration),
		zap.Bool("soft", summary.Soft),
	)
	return nil
}
