package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
)

// Publisher is the broker side used to wake workers.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// QueueNotifier publishes a JobWakeUp message for each submitted job.
type QueueNotifier struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewQueueNotifier creates a QueueNotifier
func NewQueueNotifier(publisher Publisher, logger *slog.Logger) *QueueNotifier {
	return &QueueNotifier{publisher: publisher, logger: logger}
}

func (n *QueueNotifier) JobSubmitted(ctx context.Context, job *domain.GenerationJob) error {
	body, err := json.Marshal(domain.JobWakeUp{JobID: job.ID})
	if err != nil {
		return fmt.Errorf("failed to marshal wake-up: %w", err)
	}
	if err := n.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish wake-up: %w", err)
	}

	n.logger.Debug("Job wake-up published", slog.String("job_id", job.ID))
	return nil
}

var _ Notifier = (*QueueNotifier)(nil)
