package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
)

const (
	// debitTimeout bounds one settlement, retries included. It is detached
	// from shutdown so a finished job is still charged while draining.
	debitTimeout = 30 * time.Second

	// debitSettleGrace keeps the sweep away from jobs whose worker may
	// still be settling them.
	debitSettleGrace = 2 * time.Minute

	debitSweepBatch = 50
)

// settleDebit charges the owner for a COMPLETED job, retrying with backoff.
// A charge that still fails is picked up by the reclaimer's sweep.
func (w *Worker) settleDebit(ctx context.Context, logger *slog.Logger, job *domain.GenerationJob) {
	debitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), debitTimeout)
	defer cancel()

	cost := job.Input.VariantsCount * w.cfg.CostPerVariant
	for attempt := 1; ; attempt++ {
		err := w.ledger.Debit(debitCtx, job.OwnerID, job.ID, cost)
		if err == nil {
			break
		}
		if attempt >= w.cfg.MaxAttempts || debitCtx.Err() != nil {
			logger.Error("Failed to debit credit for completed job, left for sweep",
				slog.Int("amount", cost),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return
		}

		delay := backoff(attempt, w.cfg.RetryBaseDelay, w.cfg.RetryMaxDelay)
		logger.Warn("Debit failed, retrying",
			slog.Int("amount", cost),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)
		if err := w.sleep(debitCtx, delay); err != nil {
			return
		}
	}

	if err := w.store.MarkDebited(debitCtx, job.ID); err != nil {
		w.storeFailure("Failed to record debit", err, slog.String("job_id", job.ID))
		return
	}
	logger.Debug("Credit debited", slog.Int("amount", cost))
}

// settleUndebited charges COMPLETED jobs whose debit never landed. Debit is
// idempotent per job, so a job charged before MarkDebited failed is not
// charged twice.
func (w *Worker) settleUndebited(ctx context.Context) {
	jobs, err := w.store.ListUndebited(ctx, time.Now().Add(-debitSettleGrace), debitSweepBatch)
	if err != nil {
		w.storeFailure("Failed to list undebited jobs", err)
		return
	}

	for _, job := range jobs {
		cost := job.Input.VariantsCount * w.cfg.CostPerVariant
		if err := w.ledger.Debit(ctx, job.OwnerID, job.ID, cost); err != nil {
			w.logger.Error("Sweep failed to debit completed job",
				slog.String("job_id", job.ID),
				slog.String("owner_id", job.OwnerID),
				slog.Int("amount", cost),
				slog.Any("error", err),
			)
			continue
		}
		if err := w.store.MarkDebited(ctx, job.ID); err != nil {
			w.storeFailure("Failed to record debit", err, slog.String("job_id", job.ID))
			continue
		}
		w.logger.Info("Settled outstanding debit",
			slog.String("job_id", job.ID),
			slog.Int("amount", cost),
		)
	}
}
