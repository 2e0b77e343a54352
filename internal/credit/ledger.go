// Package credit checks and debits generation credit. A debit is keyed by
// job id so a job is charged at most once however often Debit is retried.
package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
)

// Ledger is the credit collaborator used by the dispatcher and workers.
type Ledger interface {
	// Check returns domain.ErrInsufficientCredit when ownerID cannot pay cost.
	Check(ctx context.Context, ownerID string, cost int) error
	// Debit charges cost for jobID. Repeated calls for the same job are no-ops.
	Debit(ctx context.Context, ownerID, jobID string, cost int) error
}

// PostgresLedger stores balances in credit_accounts and one row per charged
// job in credit_debits.
type PostgresLedger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresLedger creates a new PostgresLedger instance
func NewPostgresLedger(db *sqlx.DB, logger *slog.Logger) *PostgresLedger {
	return &PostgresLedger{db: db, logger: logger}
}

func (l *PostgresLedger) Check(ctx context.Context, ownerID string, cost int) error {
	if cost <= 0 {
		return nil
	}

	var balance int
	err := l.db.GetContext(ctx, &balance, `SELECT balance FROM credit_accounts WHERE owner_id = $1`, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrInsufficientCredit
		}
		return fmt.Errorf("failed to read credit balance: %w", err)
	}
	if balance < cost {
		return domain.ErrInsufficientCredit
	}
	return nil
}

// Debit never drives a balance below zero; the work it pays for has already
// been delivered when it runs.
func (l *PostgresLedger) Debit(ctx context.Context, ownerID, jobID string, cost int) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO credit_debits (job_id, owner_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO NOTHING
	`, jobID, ownerID, cost)
	if err != nil {
		return fmt.Errorf("failed to record debit: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		l.logger.Debug("Debit already recorded",
			slog.String("job_id", jobID),
			slog.String("owner_id", ownerID),
		)
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = GREATEST(balance - $1, 0),
		    updated_at = NOW()
		WHERE owner_id = $2
	`, cost, ownerID)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit debit: %w", err)
	}

	l.logger.Info("Credit debited",
		slog.String("job_id", jobID),
		slog.String("owner_id", ownerID),
		slog.Int("amount", cost),
	)
	return nil
}

// MemoryLedger is an in-process Ledger for tests and local runs.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int
	debits   map[string]int
}

// NewMemoryLedger creates an empty MemoryLedger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int),
		debits:   make(map[string]int),
	}
}

func (l *MemoryLedger) SetBalance(ownerID string, balance int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[ownerID] = balance
}

func (l *MemoryLedger) Balance(ownerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[ownerID]
}

// Debited reports the amount charged for jobID and whether it was charged.
func (l *MemoryLedger) Debited(jobID string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.debits[jobID]
	return amount, ok
}

func (l *MemoryLedger) Check(_ context.Context, ownerID string, cost int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cost > 0 && l.balances[ownerID] < cost {
		return domain.ErrInsufficientCredit
	}
	return nil
}

func (l *MemoryLedger) Debit(_ context.Context, ownerID, jobID string, cost int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, done := l.debits[jobID]; done {
		return nil
	}
	l.debits[jobID] = cost
	l.balances[ownerID] = max(l.balances[ownerID]-cost, 0)
	return nil
}

var (
	_ Ledger = (*PostgresLedger)(nil)
	_ Ledger = (*MemoryLedger)(nil)
)
