package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/calebmoore/forged/internal/forge"
)

// JobNotifier publishes terminal job snapshots to one topic. It satisfies the
// scheduler's Notifier hook.
type JobNotifier struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewJobNotifier wires a JobNotifier over the given publisher and topic.
func NewJobNotifier(pub Publisher, topic string, logger *zap.Logger) *JobNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobNotifier{pub: pub, topic: topic, logger: logger}
}

// JobFinished publishes the snapshot. Failures are logged and swallowed.
func (n *JobNotifier) JobFinished(ctx context.Context, job forge.Job) {
	id, err := n.pub.Publish(ctx, n.topic, messageFor(job))
	if err != nil {
		n.logger.Warn("publish job notification",
			zap.String("job_id", job.ID),
			zap.String("state", string(job.State)),
			zap.Error(err),
		)
		return
	}
	n.logger.Debug("job notification published",
		zap.String("job_id", job.ID),
		zap.String("message_id", id),
	)
}
