package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
)

// DeliverySource provides broker deliveries.
type DeliverySource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// ConsumeWakeUps turns broker messages into wake-up hints for the pool. The
// store stays authoritative: messages are acknowledged as soon as they are
// read, and a lost message only delays the job until the next poll.
func (w *Worker) ConsumeWakeUps(ctx context.Context, source DeliverySource) error {
	deliveries, err := source.Consume(w.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.cfg.WorkerID),
	)

	w.dispatchDeliveries(ctx, deliveries)
	return nil
}

// dispatchDeliveries listens to RabbitMQ deliveries and wakes the pool
func (w *Worker) dispatchDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - stopChan closed")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed, relying on polling")
				return
			}
			w.handleDelivery(delivery)
		}
	}
}

func (w *Worker) handleDelivery(delivery amqp.Delivery) {
	var msg domain.JobWakeUp
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		w.logger.Error("Failed to parse message JSON",
			slog.Any("error", err),
		)
		// NACK message without requeue - malformed messages should go to DLQ
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
		}
		return
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		w.logger.Error("Invalid job_id format - not a UUID",
			slog.String("job_id", msg.JobID),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK message with invalid job_id", slog.Any("error", nackErr))
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("job_id", msg.JobID),
			slog.Any("error", err),
		)
	}

	w.Wake(msg.JobID)
	w.logger.Debug("Job wake-up dispatched to worker pool",
		slog.String("job_id", msg.JobID),
	)
}
