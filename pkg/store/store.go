// Package store defines the persistence interfaces for calls, scheduled
// jobs, retry attempts, and agents.
//
// Consumers depend on these interfaces; the Postgres implementation lives in
// the postgres subpackage and an in-memory fake for tests in mock. The
// contract every implementation honours:
//
//   - Calls are never deleted; a terminal status is append-only and a status
//     update that would leave one fails with ErrTerminalStatus.
//   - Transcript turns are appended through AppendTranscript in observation
//     order, never by rewriting the whole transcript.
//   - (OriginalCallID, AttemptNumber) is unique across retry attempts;
//     violating it fails with ErrConflict.
//   - ClaimDueJobs moves jobs from pending to processing atomically, so two
//     workers never execute the same job.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vocalix/vocalix/pkg/types"
)

// Sentinel errors. Implementations wrap these so callers can classify with
// errors.Is.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrTerminalStatus is returned by call updates that would change the
	// status of a call already in a terminal status.
	ErrTerminalStatus = errors.New("store: call status is terminal")

	// ErrConflict is returned on uniqueness violations and illegal state
	// transitions.
	ErrConflict = errors.New("store: conflict")
)

// CallFilter narrows ListCalls. Zero values mean "any".
type CallFilter struct {
	Direction types.Direction
	Statuses  []types.CallStatus
	AgentID   string
	Limit     int
	Offset    int
}

// CallUpdate is a partial update of a call record. Nil fields are left
// untouched. An update carrying a Status change is refused when the stored
// status is already terminal.
type CallUpdate struct {
	Status         *types.CallStatus
	SubStatus      *types.SubStatus
	FailureReason  *types.FailureReason
	ProviderCallID *string
	RecordingURL   *string
	InitiatedAt    *time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	Duration       *time.Duration
}

// CallStats is the aggregate view behind the stats endpoint.
type CallStats struct {
	Total       int64
	ByStatus    map[types.CallStatus]int64
	ByDirection map[types.Direction]int64

	// AvgDuration averages the duration of completed calls.
	AvgDuration time.Duration
}

// CallStore persists calls and their transcripts.
type CallStore interface {
	CreateCall(ctx context.Context, call *types.Call) error
	GetCall(ctx context.Context, id string) (*types.Call, error)

	// GetCallByProviderID locates a call by the telephony provider's own
	// identifier, for webhook correlation.
	GetCallByProviderID(ctx context.Context, providerCallID string) (*types.Call, error)

	ListCalls(ctx context.Context, filter CallFilter) ([]*types.Call, error)

	// UpdateCall applies a partial update and returns the updated record.
	UpdateCall(ctx context.Context, id string, update CallUpdate) (*types.Call, error)

	// AppendTranscript pushes turns onto the call's transcript array in a
	// single statement.
	AppendTranscript(ctx context.Context, id string, turns []types.TranscriptTurn) error

	CallStats(ctx context.Context) (*CallStats, error)
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	Statuses  []types.JobStatus
	Kind      types.JobKind
	DueBefore time.Time
	Limit     int
}

// JobStore persists the durable delayed-job queue.
type JobStore interface {
	CreateJob(ctx context.Context, job *types.ScheduledJob) error
	GetJob(ctx context.Context, id string) (*types.ScheduledJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.ScheduledJob, error)

	// ClaimDueJobs atomically moves up to limit jobs that are pending and
	// due no later than now into processing and returns them. A job is
	// claimed by exactly one caller.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*types.ScheduledJob, error)

	// MarkJobCompleted finishes a processing job, recording recurrence
	// bookkeeping when the job recurs.
	MarkJobCompleted(ctx context.Context, id string, occurrences int, nextRun *time.Time) error

	// MarkJobFailed records a handler failure. When park is true the job is
	// moved to failed; otherwise it returns to pending with the new due
	// time for another attempt.
	MarkJobFailed(ctx context.Context, id string, lastError string, attempts int, park bool, retryAt time.Time) error

	// RescheduleJob moves a pending job to a new due time. Fails with
	// ErrConflict when the job is not pending.
	RescheduleJob(ctx context.Context, id string, dueAt time.Time) error

	// CancelJob cancels a pending job. Fails with ErrConflict when the job
	// is not pending.
	CancelJob(ctx context.Context, id string) error
}

// RetryStore persists retry attempts.
type RetryStore interface {
	// CreateRetryAttempt inserts an attempt. Fails with ErrConflict when an
	// attempt with the same (OriginalCallID, AttemptNumber) already exists.
	CreateRetryAttempt(ctx context.Context, attempt *types.RetryAttempt) error

	GetRetryAttempt(ctx context.Context, id string) (*types.RetryAttempt, error)

	// ListRetryAttempts returns all attempts for a call, oldest first.
	ListRetryAttempts(ctx context.Context, originalCallID string) ([]*types.RetryAttempt, error)

	// CountRetryAttempts returns the number of attempts recorded for a call.
	CountRetryAttempts(ctx context.Context, originalCallID string) (int, error)

	// UpdateRetryAttempt sets the attempt's status and, when non-empty, the
	// call created by its execution.
	UpdateRetryAttempt(ctx context.Context, id string, status types.RetryStatus, retryCallID string) error
}

// AgentStore persists agent configurations. The core only reads agents at
// call time; Upsert exists for bootstrap seeding.
type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *types.Agent) error
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	ListAgents(ctx context.Context) ([]*types.Agent, error)
}

// Store bundles all four stores behind one handle.
type Store interface {
	CallStore
	JobStore
	RetryStore
	AgentStore
}
