package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
)

// claimBatch bounds how many PENDING candidates one claim transaction locks.
const claimBatch = 32

const jobColumns = `
	id, owner_id, status, input, attempts, result, error_message,
	worker_id, heartbeat_at, created_at, updated_at, completed_at, debited_at`

// PostgresStore is the JobStore backed by the generation_jobs and ads tables.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

type jobRow struct {
	ID          string         `db:"id"`
	OwnerID     string         `db:"owner_id"`
	Status      string         `db:"status"`
	Input       []byte         `db:"input"`
	Attempts    int            `db:"attempts"`
	Result      []byte         `db:"result"`
	Error       sql.NullString `db:"error_message"`
	WorkerID    sql.NullString `db:"worker_id"`
	HeartbeatAt sql.NullTime   `db:"heartbeat_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	DebitedAt   sql.NullTime   `db:"debited_at"`
}

func (r *jobRow) toDomain() (*domain.GenerationJob, error) {
	job := &domain.GenerationJob{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Status:    domain.JobStatus(r.Status),
		Attempts:  r.Attempts,
		Error:     r.Error.String,
		WorkerID:  r.WorkerID.String,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Input, &job.Input); err != nil {
		return nil, fmt.Errorf("failed to decode input of job %s: %w", r.ID, err)
	}
	if len(r.Result) > 0 {
		var res domain.JobResult
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return nil, fmt.Errorf("failed to decode result of job %s: %w", r.ID, err)
		}
		job.Result = &res
	}
	if r.HeartbeatAt.Valid {
		t := r.HeartbeatAt.Time
		job.HeartbeatAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		job.CompletedAt = &t
	}
	if r.DebitedAt.Valid {
		t := r.DebitedAt.Time
		job.DebitedAt = &t
	}
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresStore) Create(ctx context.Context, job *domain.GenerationJob) error {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}

	query := `
		INSERT INTO generation_jobs (
			id, owner_id, status, input, attempts, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID, job.OwnerID, string(job.Status), input, job.Attempts, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.GenerationJob, error) {
	return s.get(ctx, s.db, id, false)
}

func (s *PostgresStore) get(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*domain.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var row jobRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain()
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*domain.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.GenerationJob, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ClaimNext locks a batch of PENDING rows with SKIP LOCKED so concurrent
// claimers never block on each other, then takes a transaction-scoped
// advisory lock per owner before counting that owner's PROCESSING jobs. The
// count and the update therefore happen atomically with respect to every
// other claimer of the same owner.
func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string, perOwnerLimit int) (*domain.GenerationJob, error) {
	var claimed *domain.GenerationJob
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var candidates []struct {
			ID      string `db:"id"`
			OwnerID string `db:"owner_id"`
		}
		err := tx.SelectContext(ctx, &candidates, `
			SELECT id, owner_id
			FROM generation_jobs
			WHERE status = $1
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, string(domain.StatusPending), claimBatch)
		if err != nil {
			return fmt.Errorf("failed to select pending jobs: %w", err)
		}

		skipped := make(map[string]bool)
		for _, c := range candidates {
			if skipped[c.OwnerID] {
				continue
			}
			ok, err := s.ownerHasCapacity(ctx, tx, c.OwnerID, perOwnerLimit)
			if err != nil {
				return err
			}
			if !ok {
				skipped[c.OwnerID] = true
				continue
			}
			claimed, err = s.markProcessing(ctx, tx, c.ID, workerID)
			return err
		}
		return domain.ErrNoJobAvailable
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", claimed.ID),
		slog.String("owner_id", claimed.OwnerID),
		slog.String("worker_id", workerID),
	)
	return claimed, nil
}

func (s *PostgresStore) Claim(ctx context.Context, id, workerID string, perOwnerLimit int) (*domain.GenerationJob, error) {
	var claimed *domain.GenerationJob
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var ownerID string
		err := tx.GetContext(ctx, &ownerID, `
			SELECT owner_id
			FROM generation_jobs
			WHERE id = $1 AND status = $2
			FOR UPDATE SKIP LOCKED
		`, id, string(domain.StatusPending))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNoJobAvailable
			}
			return fmt.Errorf("failed to lock job: %w", err)
		}

		ok, err := s.ownerHasCapacity(ctx, tx, ownerID, perOwnerLimit)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConcurrencyLimitExceeded
		}
		claimed, err = s.markProcessing(ctx, tx, id, workerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ownerHasCapacity must run inside the claim transaction. A busy advisory
// lock means another claimer is deciding for the same owner; the owner is
// treated as full rather than waiting.
func (s *PostgresStore) ownerHasCapacity(ctx context.Context, tx *sqlx.Tx, ownerID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	var locked bool
	if err := tx.GetContext(ctx, &locked, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
		return false, fmt.Errorf("failed to lock owner: %w", err)
	}
	if !locked {
		return false, nil
	}

	var running int
	err := tx.GetContext(ctx, &running, `
		SELECT COUNT(*) FROM generation_jobs WHERE owner_id = $1 AND status = $2
	`, ownerID, string(domain.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to count running jobs: %w", err)
	}
	return running < limit, nil
}

func (s *PostgresStore) markProcessing(ctx context.Context, tx *sqlx.Tx, id, workerID string) (*domain.GenerationJob, error) {
	var row jobRow
	err := tx.GetContext(ctx, &row, `
		UPDATE generation_jobs
		SET status = $1,
		    worker_id = $2,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3 AND status = $4
		RETURNING `+jobColumns,
		string(domain.StatusProcessing), workerID, id, string(domain.StatusPending),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoJobAvailable
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return row.toDomain()
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, id, workerID string) (int, error) {
	var attempts int
	err := s.db.GetContext(ctx, &attempts, `
		UPDATE generation_jobs
		SET attempts = attempts + 1,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2 AND worker_id = $3
		RETURNING attempts
	`, id, string(domain.StatusProcessing), workerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrClaimLost
		}
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id, workerID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET heartbeat_at = NOW()
		WHERE id = $1 AND status = $2 AND worker_id = $3
	`, id, string(domain.StatusProcessing), workerID)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, id, workerID string, result *domain.JobResult, ad *domain.Ad) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		job, err := s.get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if job.Status != domain.StatusProcessing || job.WorkerID != workerID {
			return domain.ErrClaimLost
		}

		job.Status = domain.StatusCompleted
		job.Result = result
		job.Error = ""
		if err := job.Validate(); err != nil {
			return err
		}

		if ad != nil {
			if err := upsertAd(ctx, tx, ad, domain.StatusCompleted); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE generation_jobs
			SET status = $1,
			    result = $2,
			    error_message = NULL,
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE id = $3
		`, string(domain.StatusCompleted), resultJSON, id)
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", id),
		slog.String("status", string(domain.StatusCompleted)),
	)
	return nil
}

func upsertAd(ctx context.Context, tx *sqlx.Tx, ad *domain.Ad, status domain.JobStatus) error {
	vars, err := json.Marshal(ad.VariableValues)
	if err != nil {
		return fmt.Errorf("failed to marshal ad variables: %w", err)
	}
	meta, err := json.Marshal(ad.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal ad metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ads (
			id, user_id, product_id, template_id, title, assembled_prompt,
			variable_values, image_url, status, metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			assembled_prompt = EXCLUDED.assembled_prompt,
			variable_values = EXCLUDED.variable_values,
			image_url = EXCLUDED.image_url,
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`, ad.ID, ad.UserID, ad.ProductID, ad.TemplateID, ad.Title, ad.AssembledPrompt,
		vars, ad.ImageURL, string(status), meta,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ad: %w", err)
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, id, workerID, errMsg string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var input []byte
		err := tx.GetContext(ctx, &input, `
			UPDATE generation_jobs
			SET status = $1,
			    result = NULL,
			    error_message = $2,
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE id = $3 AND status = $4 AND worker_id = $5
			RETURNING input
		`, string(domain.StatusFailed), errMsg, id, string(domain.StatusProcessing), workerID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrClaimLost
			}
			return fmt.Errorf("failed to fail job: %w", err)
		}
		return mirrorAd(ctx, tx, input, domain.StatusFailed)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", id),
		slog.String("status", string(domain.StatusFailed)),
	)
	return nil
}

// mirrorAd copies a terminal status onto the ad linked from a job input.
func mirrorAd(ctx context.Context, tx *sqlx.Tx, rawInput []byte, status domain.JobStatus) error {
	var input domain.JobInput
	if err := json.Unmarshal(rawInput, &input); err != nil {
		return fmt.Errorf("failed to decode job input: %w", err)
	}
	if input.AdID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE ads SET status = $1, updated_at = NOW() WHERE id = $2
	`, string(status), input.AdID)
	if err != nil {
		return fmt.Errorf("failed to update ad status: %w", err)
	}
	return nil
}

func (s *PostgresStore) Cancel(ctx context.Context, id, ownerID string) (*domain.GenerationJob, error) {
	var cancelled *domain.GenerationJob
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		job, err := s.get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if job.OwnerID != ownerID {
			return domain.ErrJobNotFound
		}
		if !job.Status.Cancellable() {
			return domain.NewConflictError(job.ID, job.Status)
		}

		var row jobRow
		err = tx.GetContext(ctx, &row, `
			UPDATE generation_jobs
			SET status = $1,
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE id = $2
			RETURNING `+jobColumns,
			string(domain.StatusCancelled), id,
		)
		if err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		cancelled, err = row.toDomain()
		if err != nil {
			return err
		}
		return mirrorAd(ctx, tx, row.Input, domain.StatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (ReclaimReport, error) {
	var report ReclaimReport
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var rows []struct {
			ID     string `db:"id"`
			Status string `db:"status"`
			Input  []byte `db:"input"`
		}
		err := tx.SelectContext(ctx, &rows, `
			UPDATE generation_jobs
			SET status = CASE WHEN attempts < $1 THEN $2 ELSE $3 END,
			    error_message = CASE WHEN attempts < $1 THEN NULL ELSE $4 END,
			    completed_at = CASE WHEN attempts < $1 THEN NULL ELSE NOW() END,
			    worker_id = NULL,
			    heartbeat_at = NULL,
			    updated_at = NOW()
			WHERE status = $5
			  AND (heartbeat_at IS NULL OR heartbeat_at < NOW() - make_interval(secs => $6))
			RETURNING id, status, input
		`, maxAttempts,
			string(domain.StatusPending), string(domain.StatusFailed), WorkerLostMessage,
			string(domain.StatusProcessing), staleAfter.Seconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to reclaim stale jobs: %w", err)
		}

		for _, r := range rows {
			if domain.JobStatus(r.Status) == domain.StatusFailed {
				report.Failed = append(report.Failed, r.ID)
				if err := mirrorAd(ctx, tx, r.Input, domain.StatusFailed); err != nil {
					return err
				}
				continue
			}
			report.Requeued = append(report.Requeued, r.ID)
		}
		return nil
	})
	return report, err
}

func (s *PostgresStore) MarkDebited(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET debited_at = COALESCE(debited_at, NOW())
		WHERE id = $1 AND status = $2
	`, id, string(domain.StatusCompleted))
	if err != nil {
		return fmt.Errorf("failed to mark job debited: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return domain.NewConflictError(id, job.Status)
}

func (s *PostgresStore) ListUndebited(ctx context.Context, completedBefore time.Time, limit int) ([]*domain.GenerationJob, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE status = $1
		  AND debited_at IS NULL
		  AND completed_at <= $2
		ORDER BY completed_at, id
		LIMIT $3
	`, string(domain.StatusCompleted), completedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list undebited jobs: %w", err)
	}

	jobs := make([]*domain.GenerationJob, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction", slog.Any("error", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var _ JobStore = (*PostgresStore)(nil)
