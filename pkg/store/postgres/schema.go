package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// calls
// ─────────────────────────────────────────────────────────────────────────────

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id               TEXT         PRIMARY KEY,
    direction        TEXT         NOT NULL,
    phone            TEXT         NOT NULL,
    agent_id         TEXT         NOT NULL,
    status           TEXT         NOT NULL,
    sub_status       TEXT         NOT NULL DEFAULT '',
    failure_reason   TEXT         NOT NULL DEFAULT '',
    provider_call_id TEXT         NOT NULL DEFAULT '',
    recording_url    TEXT         NOT NULL DEFAULT '',
    retry_of         TEXT         NOT NULL DEFAULT '',
    retry_count      INTEGER      NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    scheduled_for    TIMESTAMPTZ,
    initiated_at     TIMESTAMPTZ,
    started_at       TIMESTAMPTZ,
    ended_at         TIMESTAMPTZ,
    duration_ms      BIGINT       NOT NULL DEFAULT 0,
    metadata         JSONB        NOT NULL DEFAULT '{}',
    transcript       JSONB        NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_calls_direction_status_created
    ON calls (direction, status, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_calls_provider_call_id
    ON calls (provider_call_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// scheduled_jobs
// ─────────────────────────────────────────────────────────────────────────────

const ddlScheduledJobs = `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
    id               TEXT         PRIMARY KEY,
    kind             TEXT         NOT NULL,
    call_id          TEXT         NOT NULL,
    retry_attempt_id TEXT         NOT NULL DEFAULT '',
    due_at           TIMESTAMPTZ  NOT NULL,
    timezone         TEXT         NOT NULL DEFAULT '',
    status           TEXT         NOT NULL,
    business_hours   JSONB,
    recurrence       JSONB,
    occurrences      INTEGER      NOT NULL DEFAULT 0,
    next_run         TIMESTAMPTZ,
    attempts         INTEGER      NOT NULL DEFAULT 0,
    last_error       TEXT         NOT NULL DEFAULT '',
    processed_at     TIMESTAMPTZ,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due_status
    ON scheduled_jobs (due_at, status);
`

// ─────────────────────────────────────────────────────────────────────────────
// retry_attempts
// ─────────────────────────────────────────────────────────────────────────────

const ddlRetryAttempts = `
CREATE TABLE IF NOT EXISTS retry_attempts (
    id               TEXT         PRIMARY KEY,
    original_call_id TEXT         NOT NULL,
    retry_call_id    TEXT         NOT NULL DEFAULT '',
    attempt_number   INTEGER      NOT NULL,
    due_at           TIMESTAMPTZ  NOT NULL,
    status           TEXT         NOT NULL,
    failure_reason   TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_retry_attempts_original_attempt
    ON retry_attempts (original_call_id, attempt_number);
`

// ─────────────────────────────────────────────────────────────────────────────
// agents
// ─────────────────────────────────────────────────────────────────────────────

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
    id                TEXT         PRIMARY KEY,
    name              TEXT         NOT NULL,
    persona           TEXT         NOT NULL DEFAULT '',
    greeting          TEXT         NOT NULL DEFAULT '',
    goodbye_line      TEXT         NOT NULL DEFAULT '',
    end_phrases       JSONB        NOT NULL DEFAULT '[]',
    voice_provider    TEXT         NOT NULL DEFAULT '',
    voice_id          TEXT         NOT NULL DEFAULT '',
    llm_provider      TEXT         NOT NULL DEFAULT '',
    llm_model         TEXT         NOT NULL DEFAULT '',
    language          TEXT         NOT NULL DEFAULT '',
    knowledge_base_id TEXT         NOT NULL DEFAULT '',
    active            BOOLEAN      NOT NULL DEFAULT true,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlCalls,
		ddlScheduledJobs,
		ddlRetryAttempts,
		ddlAgents,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
