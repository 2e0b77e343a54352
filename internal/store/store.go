// Package store persists generation jobs. It is the single source of truth
// for job status and the only path through which status changes.
package store

import (
	"context"
	"time"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
)

// WorkerLostMessage is the error summary stored on jobs failed by the
// reclaimer after their attempt budget ran out.
const WorkerLostMessage = "worker lost: processing stopped responding and no attempts remain"

// Cursor is a keyset position in the (created_at, id) DESC ordering.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Filter narrows List results.
type Filter struct {
	OwnerID string
	Status  domain.JobStatus
	Limit   int
	Cursor  *Cursor
}

// ReclaimReport lists jobs touched by a ReclaimStale sweep.
type ReclaimReport struct {
	Requeued []string
	Failed   []string
}

// Total is the number of jobs reclaimed in either direction.
func (r ReclaimReport) Total() int {
	return len(r.Requeued) + len(r.Failed)
}

// JobStore is the persistence contract shared by the api and worker services.
type JobStore interface {
	Create(ctx context.Context, job *domain.GenerationJob) error
	Get(ctx context.Context, id string) (*domain.GenerationJob, error)
	List(ctx context.Context, filter Filter) ([]*domain.GenerationJob, error)

	// ClaimNext moves the oldest claimable PENDING job to PROCESSING for
	// workerID. Jobs whose owner already has perOwnerLimit PROCESSING jobs
	// are skipped and stay PENDING. Returns domain.ErrNoJobAvailable when
	// nothing can be claimed.
	ClaimNext(ctx context.Context, workerID string, perOwnerLimit int) (*domain.GenerationJob, error)
	// Claim is the targeted form of ClaimNext for a known job id.
	Claim(ctx context.Context, id, workerID string, perOwnerLimit int) (*domain.GenerationJob, error)

	// RecordAttempt increments attempts while workerID still holds the
	// claim and returns the new count; domain.ErrClaimLost otherwise.
	RecordAttempt(ctx context.Context, id, workerID string) (int, error)
	Heartbeat(ctx context.Context, id, workerID string) error

	// Complete persists the ad and result and marks the job COMPLETED in a
	// single transaction, only if workerID still holds the claim.
	Complete(ctx context.Context, id, workerID string, result *domain.JobResult, ad *domain.Ad) error
	// Fail marks a claimed job FAILED with a human-readable summary.
	Fail(ctx context.Context, id, workerID, errMsg string) error
	// Cancel moves a PENDING or PROCESSING job owned by ownerID to CANCELLED.
	Cancel(ctx context.Context, id, ownerID string) (*domain.GenerationJob, error)

	ReclaimStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (ReclaimReport, error)

	// MarkDebited records that the owner was charged for a COMPLETED job.
	MarkDebited(ctx context.Context, id string) error
	// ListUndebited returns COMPLETED jobs finished before completedBefore
	// that have no recorded charge, oldest first.
	ListUndebited(ctx context.Context, completedBefore time.Time, limit int) ([]*domain.GenerationJob, error)

	Ping(ctx context.Context) error
}
