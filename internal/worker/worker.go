// Package worker runs the generation pool: it claims PENDING jobs, drives
// them through assembly, generation and persistence, retries transient
// provider failures and returns abandoned claims to the queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/adgen-pipeline/internal/credit"
	"github.com/cuongbtq/adgen-pipeline/internal/provider"
	"github.com/cuongbtq/adgen-pipeline/internal/store"
	"github.com/cuongbtq/adgen-pipeline/internal/upload"
)

// Generator is the provider gateway as seen by the worker.
type Generator interface {
	Generate(ctx context.Context, req provider.GenerateRequest) (*provider.Result, error)
}

// Config holds worker configuration
type Config struct {
	Logger  *slog.Logger
	Store   store.JobStore
	Gateway Generator
	Uploads upload.Store
	Ledger  credit.Ledger

	WorkerID            string
	Concurrency         int
	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	JobTimeout          time.Duration
	MaxAttempts         int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	PerOwnerLimit       int
	StaleAfter          time.Duration
	ReclaimInterval     time.Duration
	UnhealthyThreshold  int
	HealthProbeInterval time.Duration
	UploadConcurrency   int
	CostPerVariant      int
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 6 * c.HeartbeatInterval
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = c.StaleAfter / 2
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.HealthProbeInterval <= 0 {
		c.HealthProbeInterval = 5 * time.Second
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = 4
	}
}

// Worker represents the generation worker pool of one process
type Worker struct {
	cfg      Config
	logger   *slog.Logger
	store    store.JobStore
	gateway  Generator
	uploads  upload.Store
	ledger   credit.Ledger
	health   *Health
	wakeChan chan string
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a new worker instance
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Store == nil || cfg.Gateway == nil || cfg.Uploads == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("worker requires a store, gateway, upload store and ledger")
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	cfg.applyDefaults()

	return &Worker{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
		store:    cfg.Store,
		gateway:  cfg.Gateway,
		uploads:  cfg.Uploads,
		ledger:   cfg.Ledger,
		health:   NewHealth(cfg.UnhealthyThreshold),
		wakeChan: make(chan string, cfg.Concurrency*4),
		stopChan: make(chan struct{}),
		sleep:    sleepContext,
	}, nil
}

// Health exposes the pool's health tracker.
func (w *Worker) Health() *Health {
	return w.health
}

// Start runs the pool, the reclaimer and the health probe until ctx is
// cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Duration("job_timeout", w.cfg.JobTimeout),
		slog.Int("max_attempts", w.cfg.MaxAttempts),
		slog.Int("per_owner_limit", w.cfg.PerOwnerLimit),
	)

	w.spawnWorkerPool(ctx)

	w.wg.Add(2)
	go w.runReclaimer(ctx)
	go w.runHealthProbe(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	w.wg.Wait()
	w.logger.Info("Worker stopped")
	return nil
}

// Stop signals every loop to exit. Jobs in flight finish their current step;
// anything left PROCESSING is reclaimed once its heartbeat goes stale.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}

// Wake hints that jobID may be claimable. It never blocks.
func (w *Worker) Wake(jobID string) {
	select {
	case w.wakeChan <- jobID:
	default:
	}
}

func (w *Worker) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-w.stopChan:
		return true
	default:
		return false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
