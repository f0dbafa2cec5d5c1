// Package sinks provides progress.Sink implementations: structured logs,
// Prometheus collectors, and (in internal/history) Postgres run history.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/calebmoore/forged/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
		}
		switch evt.Kind {
		case progress.KindProgress:
			fields = append(fields,
				zap.Int("iteration", evt.Iteration),
				zap.Int("total_iterations", evt.TotalIterations),
				zap.Float64("loss", evt.Loss),
				zap.Bool("preview", evt.Preview != ""),
			)
		case progress.KindStatus:
			fields = append(fields, zap.String("message", evt.Message))
		case progress.KindFailed:
			fields = append(fields, zap.String("error", evt.Error))
		case progress.KindCompleted:
			fields = append(fields, zap.Int("outputs", len(evt.Outputs)))
		}
		s.logger.Info("job event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
