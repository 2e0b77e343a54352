package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.cfg.Concurrency),
	)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop claims and processes jobs until stopped. Each goroutine claims
// under its own name so a reclaimed job can never be confused with a fresh
// claim by a sibling goroutine.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.cfg.WorkerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx, workerName)

		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case jobID := <-w.wakeChan:
			w.claimByID(ctx, workerName, jobID)

		case <-ticker.C:
		}
	}
}

// drain processes claimable jobs until none is left, the store misbehaves
// or the worker stops.
func (w *Worker) drain(ctx context.Context, workerName string) {
	for !w.stopped(ctx) && w.health.Healthy() {
		job, err := w.store.ClaimNext(ctx, workerName, w.cfg.PerOwnerLimit)
		if err != nil {
			if errors.Is(err, domain.ErrNoJobAvailable) {
				w.health.RecordSuccess()
				return
			}
			w.storeFailure("Failed to claim job", err)
			return
		}
		w.health.RecordSuccess()
		w.processJob(ctx, workerName, job)
	}
}

func (w *Worker) claimByID(ctx context.Context, workerName, jobID string) {
	if !w.health.Healthy() {
		return
	}

	job, err := w.store.Claim(ctx, jobID, workerName, w.cfg.PerOwnerLimit)
	switch {
	case err == nil:
		w.health.RecordSuccess()
		w.processJob(ctx, workerName, job)
	case errors.Is(err, domain.ErrNoJobAvailable):
		w.logger.Debug("Woken for a job that is no longer claimable",
			slog.String("job_id", jobID),
		)
	case errors.Is(err, domain.ErrConcurrencyLimitExceeded):
		w.logger.Debug("Owner at concurrency limit, job stays pending",
			slog.String("job_id", jobID),
		)
	default:
		w.storeFailure("Failed to claim job", err, slog.String("job_id", jobID))
	}
}

// storeFailure records a Job Store error against pool health.
func (w *Worker) storeFailure(msg string, err error, attrs ...any) {
	attrs = append(attrs, slog.Any("error", err))
	w.logger.Error(msg, attrs...)

	if w.health.RecordFailure(err) {
		w.logger.Error("Job store unavailable, worker stops claiming",
			slog.Int("consecutive_failures", w.health.Status().ConsecutiveFailures),
		)
	}
}
