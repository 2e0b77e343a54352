package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HealthStatus is a point-in-time view of pool health.
type HealthStatus struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Since               time.Time `json:"since"`
}

// Health tracks consecutive Job Store failures. Reaching the threshold marks
// the pool unhealthy; one success restores it.
type Health struct {
	mu          sync.RWMutex
	threshold   int
	consecutive int
	healthy     bool
	lastErr     string
	since       time.Time
}

// NewHealth creates a healthy tracker
func NewHealth(threshold int) *Health {
	if threshold <= 0 {
		threshold = 1
	}
	return &Health{threshold: threshold, healthy: true, since: time.Now()}
}

// RecordFailure counts a failure and reports whether it made the pool unhealthy.
func (h *Health) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutive++
	if err != nil {
		h.lastErr = err.Error()
	}
	if h.healthy && h.consecutive >= h.threshold {
		h.healthy = false
		h.since = time.Now()
		return true
	}
	return false
}

// RecordSuccess resets the failure count and reports whether the pool recovered.
func (h *Health) RecordSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutive = 0
	if !h.healthy {
		h.healthy = true
		h.lastErr = ""
		h.since = time.Now()
		return true
	}
	return false
}

func (h *Health) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy
}

func (h *Health) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthStatus{
		Healthy:             h.healthy,
		ConsecutiveFailures: h.consecutive,
		LastError:           h.lastErr,
		Since:               h.since,
	}
}

// runHealthProbe pings the store while the pool is unhealthy.
func (w *Worker) runHealthProbe(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.HealthProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if w.health.Healthy() {
				continue
			}
			w.probe(ctx)
		}
	}
}

func (w *Worker) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := w.store.Ping(pingCtx); err != nil {
		w.health.RecordFailure(err)
		w.logger.Warn("Job store still unavailable", slog.Any("error", err))
		return
	}
	if w.health.RecordSuccess() {
		w.logger.Info("Job store reachable again, worker resumes claiming")
	}
}
