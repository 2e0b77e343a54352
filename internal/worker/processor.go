package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
	"github.com/cuongbtq/adgen-pipeline/internal/prompt"
	"github.com/cuongbtq/adgen-pipeline/internal/provider"
	"github.com/cuongbtq/adgen-pipeline/internal/upload"
)

// errAbort stops processing without touching the job: it was cancelled,
// reclaimed or the store could not be read.
var errAbort = errors.New("processing aborted")

// processJob drives one claimed job to a terminal state, or abandons it to
// the reclaimer when the store is unreachable or the worker shuts down.
func (w *Worker) processJob(ctx context.Context, workerName string, job *domain.GenerationJob) {
	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
		slog.String("worker_name", workerName),
	)
	logger.Info("Processing job", slog.Int("attempts", job.Attempts))
	started := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.ID, workerName, heartbeatDone)
	defer close(heartbeatDone)

	assembly, err := prompt.Assemble(prompt.FromJob(job.Input))
	if err != nil {
		w.fail(ctx, logger, job, workerName, "prompt assembly failed: "+err.Error())
		return
	}

	result, err := w.generate(ctx, jobCtx, logger, job, workerName, assembly.Prompt)
	if err != nil {
		switch {
		case errors.Is(err, errAbort):
		case ctx.Err() != nil:
			logger.Info("Worker shutting down, job left for reclaim")
		case jobCtx.Err() != nil:
			w.fail(ctx, logger, job, workerName, fmt.Sprintf("generation timed out after %s", w.cfg.JobTimeout))
		default:
			w.fail(ctx, logger, job, workerName, provider.Summarize(err))
		}
		return
	}

	if !w.checkpoint(ctx, logger, job.ID, workerName) {
		return
	}

	images, err := w.storeImages(jobCtx, job, result.Images)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("Failed to store generated images", slog.Any("error", err))
		w.fail(ctx, logger, job, workerName, "failed to store generated images")
		return
	}

	adID := job.Input.AdID
	if adID == "" {
		adID = uuid.NewString()
	}
	jobResult := &domain.JobResult{
		Images:   images,
		Metadata: result.Metadata,
		AdID:     adID,
	}
	ad := buildAd(job, adID, assembly, jobResult)

	if err := w.store.Complete(ctx, job.ID, workerName, jobResult, ad); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			logger.Info("Job cancelled or reclaimed before completion, result discarded")
			return
		}
		w.storeFailure("Failed to complete job", err, slog.String("job_id", job.ID))
		return
	}
	w.health.RecordSuccess()

	w.settleDebit(ctx, logger, job)

	logger.Info("Job completed successfully",
		slog.String("provider", result.Metadata.Provider),
		slog.Int("images", len(images)),
		slog.Duration("duration", time.Since(started)),
	)
}

// generate calls the gateway with retry. Store writes use ctx so they still
// land after jobCtx expires; provider calls and backoff use jobCtx.
func (w *Worker) generate(ctx, jobCtx context.Context, logger *slog.Logger, job *domain.GenerationJob, workerName, text string) (*provider.Result, error) {
	for {
		if !w.checkpoint(ctx, logger, job.ID, workerName) {
			return nil, errAbort
		}

		attempt, err := w.store.RecordAttempt(ctx, job.ID, workerName)
		if err != nil {
			if errors.Is(err, domain.ErrClaimLost) {
				logger.Info("Claim lost before provider call")
			} else {
				w.storeFailure("Failed to record attempt", err, slog.String("job_id", job.ID))
			}
			return nil, errAbort
		}

		result, err := w.gateway.Generate(jobCtx, provider.GenerateRequest{
			Prompt:       text,
			AspectRatio:  job.Input.AspectRatio,
			Variants:     job.Input.VariantsCount,
			ProviderHint: job.Input.ProviderHint,
			RequestID:    fmt.Sprintf("%s-%d", job.ID, attempt),
			Quality:      job.Input.Template.Quality,
		})
		if err == nil {
			return result, nil
		}

		if !provider.IsTransient(err) {
			logger.Warn("Provider rejected job", slog.Int("attempt", attempt), slog.Any("error", err))
			return nil, err
		}
		if attempt >= w.cfg.MaxAttempts {
			logger.Warn("Retry budget exhausted", slog.Int("attempt", attempt), slog.Any("error", err))
			return nil, err
		}

		delay := backoff(attempt, w.cfg.RetryBaseDelay, w.cfg.RetryMaxDelay)
		logger.Warn("Transient provider failure, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", w.cfg.MaxAttempts),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)
		if err := w.sleep(jobCtx, delay); err != nil {
			return nil, err
		}
	}
}

// checkpoint re-reads the job and reports whether this worker still owns it.
func (w *Worker) checkpoint(ctx context.Context, logger *slog.Logger, jobID, workerName string) bool {
	current, err := w.store.Get(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			w.storeFailure("Failed to read job at checkpoint", err, slog.String("job_id", jobID))
		}
		return false
	}
	w.health.RecordSuccess()

	if current.Status != domain.StatusProcessing || current.WorkerID != workerName {
		logger.Info("Job no longer held by this worker, aborting",
			slog.String("status", string(current.Status)),
		)
		return false
	}
	return true
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job *domain.GenerationJob, workerName, summary string) {
	if err := w.store.Fail(ctx, job.ID, workerName, summary); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			logger.Info("Job cancelled or reclaimed before failure was recorded")
			return
		}
		w.storeFailure("Failed to mark job failed", err, slog.String("job_id", job.ID))
		return
	}
	logger.Warn("Job failed", slog.String("error", summary))
}

// storeImages uploads every variant concurrently, keeping variant order.
func (w *Worker) storeImages(ctx context.Context, job *domain.GenerationJob, images []provider.Image) ([]domain.ImageRef, error) {
	refs := make([]domain.ImageRef, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.UploadConcurrency)
	for i, img := range images {
		g.Go(func() error {
			key := upload.ObjectKey(job.OwnerID, job.ID, i, img.MIMEType)
			url, err := w.uploads.Put(gctx, key, img)
			if err != nil {
				return fmt.Errorf("variant %d: %w", i+1, err)
			}
			refs[i] = domain.ImageRef{URL: url, MIMEType: img.MIMEType, Width: img.Width, Height: img.Height}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

func buildAd(job *domain.GenerationJob, adID string, assembly *prompt.Assembly, result *domain.JobResult) *domain.Ad {
	title := job.Input.Title
	if title == "" {
		title = job.Input.Product.Title
	}

	urls := make([]string, len(result.Images))
	for i, img := range result.Images {
		urls[i] = img.URL
	}

	return &domain.Ad{
		ID:              adID,
		UserID:          job.OwnerID,
		ProductID:       job.Input.ProductID,
		TemplateID:      job.Input.TemplateID,
		Title:           title,
		AssembledPrompt: assembly.Prompt,
		VariableValues:  assembly.Metadata.Values,
		ImageURL:        urls[0],
		Status:          domain.StatusCompleted,
		Metadata: map[string]any{
			"job_id":        job.ID,
			"images":        urls,
			"provider":      result.Metadata.Provider,
			"model":         result.Metadata.Model,
			"quality":       result.Metadata.Quality,
			"total_tokens":  result.Metadata.TotalTokens,
			"aspect_ratio":  job.Input.AspectRatio,
			"variables":     assembly.Metadata,
			"generated_at":  time.Now().UTC(),
			"variant_count": len(urls),
		},
	}
}

// sendJobHeartbeat periodically refreshes the job's heartbeat until done is
// closed or the claim is lost.
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID, workerName string, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			err := w.store.Heartbeat(ctx, jobID, workerName)
			if errors.Is(err, domain.ErrClaimLost) {
				w.logger.Debug("Job heartbeat stopped - claim lost",
					slog.String("job_id", jobID),
				)
				return
			}
			if err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}

// backoff returns base * 2^(attempt-1), capped at maxDelay.
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}
