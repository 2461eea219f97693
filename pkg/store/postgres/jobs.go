package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/types"
)

const jobColumns = `id, kind, call_id, retry_attempt_id, due_at, timezone,
	status, business_hours, recurrence, occurrences, next_run, attempts,
	last_error, processed_at, created_at, updated_at`

// CreateJob implements [store.JobStore].
func (s *Store) CreateJob(ctx context.Context, job *types.ScheduledJob) error {
	businessHours, err := marshalNullable(job.BusinessHours)
	if err != nil {
		return fmt.Errorf("postgres store: marshal business hours: %w", err)
	}
	recurrence, err := marshalNullable(job.Recurrence)
	if err != nil {
		return fmt.Errorf("postgres store: marshal recurrence: %w", err)
	}

	const q = `
		INSERT INTO scheduled_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16)`

	_, err = s.pool.Exec(ctx, q,
		job.ID,
		job.Kind,
		job.CallID,
		job.RetryAttemptID,
		job.DueAt,
		job.Timezone,
		job.Status,
		businessHours,
		recurrence,
		job.Occurrences,
		job.NextRun,
		job.Attempts,
		job.LastError,
		job.ProcessedAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create job: %w", classify(err))
	}
	return nil
}

// GetJob implements [store.JobStore].
func (s *Store) GetJob(ctx context.Context, id string) (*types.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get job: %w", err)
	}
	job, err := pgx.CollectOneRow(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get job: %w", classify(err))
	}
	return job, nil
}

// ListJobs implements [store.JobStore].
func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*types.ScheduledJob, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"true"}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, "status = ANY("+next(statuses)+")")
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = "+next(filter.Kind))
	}
	if !filter.DueBefore.IsZero() {
		conditions = append(conditions, "due_at < "+next(filter.DueBefore))
	}

	q := "SELECT " + jobColumns + "\nFROM scheduled_jobs\nWHERE " +
		strings.Join(conditions, " AND ") + "\nORDER BY due_at"
	if filter.Limit > 0 {
		q += "\nLIMIT " + next(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list jobs: %w", err)
	}
	return jobs, nil
}

// ClaimDueJobs implements [store.JobStore]. SKIP LOCKED keeps concurrent
// workers from claiming the same job.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*types.ScheduledJob, error) {
	const q = `
		UPDATE scheduled_jobs
		SET    status = 'processing', processed_at = $1, updated_at = $1
		WHERE  id IN (
		         SELECT id FROM scheduled_jobs
		         WHERE  status = 'pending' AND due_at <= $1
		         ORDER  BY due_at
		         LIMIT  $2
		         FOR UPDATE SKIP LOCKED
		       )
		RETURNING ` + jobColumns

	rows, err := s.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: claim due jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("postgres store: claim due jobs: %w", err)
	}
	return jobs, nil
}

// MarkJobCompleted implements [store.JobStore].
func (s *Store) MarkJobCompleted(ctx context.Context, id string, occurrences int, nextRun *time.Time) error {
	const q = `
		UPDATE scheduled_jobs
		SET    status = 'completed', occurrences = $2, next_run = $3, updated_at = now()
		WHERE  id = $1 AND status = 'processing'`

	tag, err := s.pool.Exec(ctx, q, id, occurrences, nextRun)
	if err != nil {
		return fmt.Errorf("postgres store: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobTransitionError(ctx, id, "complete")
	}
	return nil
}

// MarkJobFailed implements [store.JobStore].
func (s *Store) MarkJobFailed(ctx context.Context, id string, lastError string, attempts int, park bool, retryAt time.Time) error {
	var tagErr error
	if park {
		const q = `
			UPDATE scheduled_jobs
			SET    status = 'failed', last_error = $2, attempts = $3, updated_at = now()
			WHERE  id = $1 AND status = 'processing'`
		tag, err := s.pool.Exec(ctx, q, id, lastError, attempts)
		if err != nil {
			return fmt.Errorf("postgres store: fail job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			tagErr = s.jobTransitionError(ctx, id, "fail")
		}
	} else {
		const q = `
			UPDATE scheduled_jobs
			SET    status = 'pending', last_error = $2, attempts = $3, due_at = $4, updated_at = now()
			WHERE  id = $1 AND status = 'processing'`
		tag, err := s.pool.Exec(ctx, q, id, lastError, attempts, retryAt)
		if err != nil {
			return fmt.Errorf("postgres store: requeue job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			tagErr = s.jobTransitionError(ctx, id, "requeue")
		}
	}
	return tagErr
}

// RescheduleJob implements [store.JobStore].
func (s *Store) RescheduleJob(ctx context.Context, id string, dueAt time.Time) error {
	const q = `
		UPDATE scheduled_jobs
		SET    due_at = $2, updated_at = now()
		WHERE  id = $1 AND status = 'pending'`

	tag, err := s.pool.Exec(ctx, q, id, dueAt)
	if err != nil {
		return fmt.Errorf("postgres store: reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobTransitionError(ctx, id, "reschedule")
	}
	return nil
}

// CancelJob implements [store.JobStore].
func (s *Store) CancelJob(ctx context.Context, id string) error {
	const q = `
		UPDATE scheduled_jobs
		SET    status = 'canceled', updated_at = now()
		WHERE  id = $1 AND status = 'pending'`

	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("postgres store: cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobTransitionError(ctx, id, "cancel")
	}
	return nil
}

// jobTransitionError distinguishes a missing job from one in the wrong state.
func (s *Store) jobTransitionError(ctx context.Context, id, op string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scheduled_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres store: %s job: %w", op, err)
	}
	if exists {
		return fmt.Errorf("postgres store: %s job %s: %w", op, id, store.ErrConflict)
	}
	return fmt.Errorf("postgres store: %s job %s: %w", op, id, store.ErrNotFound)
}

// scanJob scans one scheduled_jobs row.
func scanJob(row pgx.CollectableRow) (*types.ScheduledJob, error) {
	var (
		j             types.ScheduledJob
		businessHours []byte
		recurrence    []byte
	)
	if err := row.Scan(
		&j.ID,
		&j.Kind,
		&j.CallID,
		&j.RetryAttemptID,
		&j.DueAt,
		&j.Timezone,
		&j.Status,
		&businessHours,
		&recurrence,
		&j.Occurrences,
		&j.NextRun,
		&j.Attempts,
		&j.LastError,
		&j.ProcessedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(businessHours) > 0 {
		j.BusinessHours = &types.BusinessHoursPolicy{}
		if err := json.Unmarshal(businessHours, j.BusinessHours); err != nil {
			return nil, fmt.Errorf("unmarshal business hours: %w", err)
		}
	}
	if len(recurrence) > 0 {
		j.Recurrence = &types.Recurrence{}
		if err := json.Unmarshal(recurrence, j.Recurrence); err != nil {
			return nil, fmt.Errorf("unmarshal recurrence: %w", err)
		}
	}
	return &j, nil
}

// marshalNullable marshals v to JSON, mapping a nil pointer to SQL NULL.
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
