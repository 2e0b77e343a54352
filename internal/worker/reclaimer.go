package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
)

// runReclaimer periodically returns stale PROCESSING jobs to PENDING, or
// fails them when their attempt budget is spent, and settles debits that
// did not land when their job completed.
func (w *Worker) runReclaimer(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.ReclaimInterval)
	defer ticker.Stop()

	w.logger.Info("Reclaimer started",
		slog.Duration("stale_after", w.cfg.StaleAfter),
		slog.Duration("interval", w.cfg.ReclaimInterval),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.reclaim(ctx)
		}
	}
}

func (w *Worker) reclaim(ctx context.Context) {
	w.settleUndebited(ctx)

	report, err := w.store.ReclaimStale(ctx, w.cfg.StaleAfter, w.cfg.MaxAttempts)
	if err != nil {
		w.storeFailure("Failed to reclaim stale jobs", err)
		return
	}
	w.health.RecordSuccess()

	if report.Total() == 0 {
		return
	}

	w.logger.Warn("Reclaimed stale jobs",
		slog.Any("reason", domain.ErrStaleClaim),
		slog.Any("requeued", report.Requeued),
		slog.Any("failed", report.Failed),
	)
	for _, id := range report.Requeued {
		w.Wake(id)
	}
}
