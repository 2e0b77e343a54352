package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
)

// MemoryStore is an in-process JobStore used by tests and local runs.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.GenerationJob
	ads  map[string]*domain.Ad
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*domain.GenerationJob),
		ads:  make(map[string]*domain.Ad),
		now:  time.Now,
	}
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(_ context.Context, job *domain.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.GenerationJob
	for _, job := range s.jobs {
		if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil && !before(job, c.CreatedAt, c.ID) {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return before(out[j], out[i].CreatedAt, out[i].ID)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// before reports whether job sorts after (createdAt, id) in DESC order.
func before(job *domain.GenerationJob, createdAt time.Time, id string) bool {
	if job.CreatedAt.Equal(createdAt) {
		return job.ID < id
	}
	return job.CreatedAt.Before(createdAt)
}

func (s *MemoryStore) ClaimNext(_ context.Context, workerID string, perOwnerLimit int) (*domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*domain.GenerationJob, 0)
	for _, job := range s.jobs {
		if job.Status == domain.StatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, job := range pending {
		if s.atCapacity(job.OwnerID, perOwnerLimit) {
			continue
		}
		s.claim(job, workerID)
		return job.Clone(), nil
	}
	return nil, domain.ErrNoJobAvailable
}

func (s *MemoryStore) Claim(_ context.Context, id, workerID string, perOwnerLimit int) (*domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != domain.StatusPending {
		return nil, domain.ErrNoJobAvailable
	}
	if s.atCapacity(job.OwnerID, perOwnerLimit) {
		return nil, domain.ErrConcurrencyLimitExceeded
	}
	s.claim(job, workerID)
	return job.Clone(), nil
}

func (s *MemoryStore) atCapacity(ownerID string, limit int) bool {
	if limit <= 0 {
		return false
	}
	running := 0
	for _, job := range s.jobs {
		if job.OwnerID == ownerID && job.Status == domain.StatusProcessing {
			running++
		}
	}
	return running >= limit
}

func (s *MemoryStore) claim(job *domain.GenerationJob, workerID string) {
	now := s.now()
	job.Status = domain.StatusProcessing
	job.WorkerID = workerID
	job.HeartbeatAt = &now
	job.UpdatedAt = now
}

// held returns the job if workerID holds its claim. Caller must hold mu.
func (s *MemoryStore) held(id, workerID string) (*domain.GenerationJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.StatusProcessing || job.WorkerID != workerID {
		return nil, domain.ErrClaimLost
	}
	return job, nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, id, workerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.held(id, workerID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	job.Attempts++
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	return job.Attempts, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.held(id, workerID)
	if err != nil {
		return err
	}
	now := s.now()
	job.HeartbeatAt = &now
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id, workerID string, result *domain.JobResult, ad *domain.Ad) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.held(id, workerID)
	if err != nil {
		return err
	}

	now := s.now()
	res := *result
	res.Images = append([]domain.ImageRef(nil), result.Images...)

	candidate := job.Clone()
	candidate.Status = domain.StatusCompleted
	candidate.Result = &res
	candidate.Error = ""
	if err := candidate.Validate(); err != nil {
		return err
	}

	if ad != nil {
		stored := *ad
		if existing, ok := s.ads[ad.ID]; ok {
			stored.CreatedAt = existing.CreatedAt
		} else if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.Status = domain.StatusCompleted
		stored.UpdatedAt = now
		s.ads[ad.ID] = &stored
	}

	job.Status = domain.StatusCompleted
	job.Result = &res
	job.Error = ""
	job.UpdatedAt = now
	job.CompletedAt = &now
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id, workerID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.held(id, workerID)
	if err != nil {
		return err
	}
	s.fail(job, errMsg)
	return nil
}

func (s *MemoryStore) fail(job *domain.GenerationJob, errMsg string) {
	now := s.now()
	job.Status = domain.StatusFailed
	job.Result = nil
	job.Error = errMsg
	job.UpdatedAt = now
	job.CompletedAt = &now
	s.mirrorAd(job.Input.AdID, domain.StatusFailed, now)
}

func (s *MemoryStore) mirrorAd(adID string, status domain.JobStatus, now time.Time) {
	if adID == "" {
		return
	}
	if ad, ok := s.ads[adID]; ok {
		ad.Status = status
		ad.UpdatedAt = now
	}
}

func (s *MemoryStore) Cancel(_ context.Context, id, ownerID string) (*domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return nil, domain.ErrJobNotFound
	}
	if !job.Status.Cancellable() {
		return nil, domain.NewConflictError(job.ID, job.Status)
	}

	now := s.now()
	job.Status = domain.StatusCancelled
	job.UpdatedAt = now
	job.CompletedAt = &now
	s.mirrorAd(job.Input.AdID, domain.StatusCancelled, now)
	return job.Clone(), nil
}

func (s *MemoryStore) ReclaimStale(_ context.Context, staleAfter time.Duration, maxAttempts int) (ReclaimReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report ReclaimReport
	now := s.now()
	cutoff := now.Add(-staleAfter)

	for _, job := range s.jobs {
		if job.Status != domain.StatusProcessing {
			continue
		}
		if job.HeartbeatAt != nil && job.HeartbeatAt.After(cutoff) {
			continue
		}

		if job.Attempts < maxAttempts {
			job.Status = domain.StatusPending
			job.WorkerID = ""
			job.HeartbeatAt = nil
			job.UpdatedAt = now
			report.Requeued = append(report.Requeued, job.ID)
			continue
		}
		s.fail(job, WorkerLostMessage)
		report.Failed = append(report.Failed, job.ID)
	}

	sort.Strings(report.Requeued)
	sort.Strings(report.Failed)
	return report, nil
}

func (s *MemoryStore) MarkDebited(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.StatusCompleted {
		return domain.NewConflictError(job.ID, job.Status)
	}
	if job.DebitedAt == nil {
		now := s.now()
		job.DebitedAt = &now
	}
	return nil
}

func (s *MemoryStore) ListUndebited(_ context.Context, completedBefore time.Time, limit int) ([]*domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.GenerationJob
	for _, job := range s.jobs {
		if job.Status != domain.StatusCompleted || job.DebitedAt != nil {
			continue
		}
		if job.CompletedAt == nil || job.CompletedAt.After(completedBefore) {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedAt.Equal(*out[j].CompletedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CompletedAt.Before(*out[j].CompletedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Ad returns a stored ad record.
func (s *MemoryStore) Ad(id string) (*domain.Ad, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ad, ok := s.ads[id]
	if !ok {
		return nil, false
	}
	cp := *ad
	return &cp, true
}

// PutAd seeds an ad record.
func (s *MemoryStore) PutAd(ad domain.Ad) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ads[ad.ID] = &ad
}

var _ JobStore = (*MemoryStore)(nil)
