package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/types"
)

const retryColumns = `id, original_call_id, retry_call_id, attempt_number,
	due_at, status, failure_reason, created_at, updated_at`

// CreateRetryAttempt implements [store.RetryStore]. The unique index on
// (original_call_id, attempt_number) surfaces duplicates as ErrConflict.
func (s *Store) CreateRetryAttempt(ctx context.Context, attempt *types.RetryAttempt) error {
	const q = `
		INSERT INTO retry_attempts (` + retryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, q,
		attempt.ID,
		attempt.OriginalCallID,
		attempt.RetryCallID,
		attempt.AttemptNumber,
		attempt.DueAt,
		attempt.Status,
		attempt.FailureReason,
		attempt.CreatedAt,
		attempt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create retry attempt: %w", classify(err))
	}
	return nil
}

// GetRetryAttempt implements [store.RetryStore].
func (s *Store) GetRetryAttempt(ctx context.Context, id string) (*types.RetryAttempt, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+retryColumns+` FROM retry_attempts WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get retry attempt: %w", err)
	}
	attempt, err := pgx.CollectOneRow(rows, scanRetryAttempt)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get retry attempt: %w", classify(err))
	}
	return attempt, nil
}

// ListRetryAttempts implements [store.RetryStore].
func (s *Store) ListRetryAttempts(ctx context.Context, originalCallID string) ([]*types.RetryAttempt, error) {
	const q = `
		SELECT ` + retryColumns + `
		FROM   retry_attempts
		WHERE  original_call_id = $1
		ORDER  BY attempt_number`

	rows, err := s.pool.Query(ctx, q, originalCallID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list retry attempts: %w", err)
	}
	attempts, err := pgx.CollectRows(rows, scanRetryAttempt)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list retry attempts: %w", err)
	}
	return attempts, nil
}

// CountRetryAttempts implements [store.RetryStore].
func (s *Store) CountRetryAttempts(ctx context.Context, originalCallID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM retry_attempts WHERE original_call_id = $1`,
		originalCallID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres store: count retry attempts: %w", err)
	}
	return count, nil
}

// UpdateRetryAttempt implements [store.RetryStore].
func (s *Store) UpdateRetryAttempt(ctx context.Context, id string, status types.RetryStatus, retryCallID string) error {
	const q = `
		UPDATE retry_attempts
		SET    status = $2,
		       retry_call_id = CASE WHEN $3 = '' THEN retry_call_id ELSE $3 END,
		       updated_at = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, status, retryCallID)
	if err != nil {
		return fmt.Errorf("postgres store: update retry attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: update retry attempt %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// scanRetryAttempt scans one retry_attempts row.
func scanRetryAttempt(row pgx.CollectableRow) (*types.RetryAttempt, error) {
	var a types.RetryAttempt
	if err := row.Scan(
		&a.ID,
		&a.OriginalCallID,
		&a.RetryCallID,
		&a.AttemptNumber,
		&a.DueAt,
		&a.Status,
		&a.FailureReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}
