// Package mock provides an in-memory implementation of store.Store for
// tests. It honours the same contract as the Postgres implementation:
// terminal call statuses are append-only, (OriginalCallID, AttemptNumber) is
// unique, job transitions are guarded, and ClaimDueJobs hands each due job
// to exactly one caller.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/types"
)

// Store is an in-memory store.Store.
type Store struct {
	mu       sync.Mutex
	calls    map[string]*types.Call
	jobs     map[string]*types.ScheduledJob
	retries  map[string]*types.RetryAttempt
	agents   map[string]*types.Agent
	appended map[string][][]types.TranscriptTurn

	// Err, if non-nil, is returned by every operation. Useful for failure
	// injection.
	Err error
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		calls:    make(map[string]*types.Call),
		jobs:     make(map[string]*types.ScheduledJob),
		retries:  make(map[string]*types.RetryAttempt),
		agents:   make(map[string]*types.Agent),
		appended: make(map[string][][]types.TranscriptTurn),
	}
}

// ─── calls ───────────────────────────────────────────────────────────────────

// CreateCall implements store.CallStore.
func (s *Store) CreateCall(_ context.Context, call *types.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.calls[call.ID]; ok {
		return fmt.Errorf("mock store: call %s: %w", call.ID, store.ErrConflict)
	}
	cp := *call
	s.calls[call.ID] = &cp
	return nil
}

// GetCall implements store.CallStore.
func (s *Store) GetCall(_ context.Context, id string) (*types.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	call, ok := s.calls[id]
	if !ok {
		return nil, fmt.Errorf("mock store: call %s: %w", id, store.ErrNotFound)
	}
	cp := *call
	return &cp, nil
}

// GetCallByProviderID implements store.CallStore.
func (s *Store) GetCallByProviderID(_ context.Context, providerCallID string) (*types.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if providerCallID != "" {
		for _, call := range s.calls {
			if call.ProviderCallID == providerCallID {
				cp := *call
				return &cp, nil
			}
		}
	}
	return nil, fmt.Errorf("mock store: provider call %s: %w", providerCallID, store.ErrNotFound)
}

// ListCalls implements store.CallStore.
func (s *Store) ListCalls(_ context.Context, filter store.CallFilter) ([]*types.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	var out []*types.Call
	for _, call := range s.calls {
		if filter.Direction != "" && call.Direction != filter.Direction {
			continue
		}
		if filter.AgentID != "" && call.AgentID != filter.AgentID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, call.Status) {
			continue
		}
		cp := *call
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateCall implements store.CallStore.
func (s *Store) UpdateCall(_ context.Context, id string, update store.CallUpdate) (*types.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	call, ok := s.calls[id]
	if !ok {
		return nil, fmt.Errorf("mock store: call %s: %w", id, store.ErrNotFound)
	}
	if update.Status != nil && call.Status.Terminal() {
		return nil, fmt.Errorf("mock store: call %s: %w", id, store.ErrTerminalStatus)
	}

	if update.Status != nil {
		call.Status = *update.Status
	}
	if update.SubStatus != nil {
		call.SubStatus = *update.SubStatus
	}
	if update.FailureReason != nil {
		call.FailureReason = *update.FailureReason
	}
	if update.ProviderCallID != nil {
		call.ProviderCallID = *update.ProviderCallID
	}
	if update.RecordingURL != nil {
		call.RecordingURL = *update.RecordingURL
	}
	if update.InitiatedAt != nil {
		t := *update.InitiatedAt
		call.InitiatedAt = &t
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		call.StartedAt = &t
	}
	if update.EndedAt != nil {
		t := *update.EndedAt
		call.EndedAt = &t
	}
	if update.Duration != nil {
		call.Duration = *update.Duration
	}
	cp := *call
	return &cp, nil
}

// AppendTranscript implements store.CallStore.
func (s *Store) AppendTranscript(_ context.Context, id string, turns []types.TranscriptTurn) error {
	if len(turns) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	call, ok := s.calls[id]
	if !ok {
		return fmt.Errorf("mock store: call %s: %w", id, store.ErrNotFound)
	}
	call.Transcript = append(call.Transcript, turns...)
	batch := make([]types.TranscriptTurn, len(turns))
	copy(batch, turns)
	s.appended[id] = append(s.appended[id], batch)
	return nil
}

// AppendBatches returns the transcript batches appended for a call, in order.
// Thread-safe; test inspection only.
func (s *Store) AppendBatches(id string) [][]types.TranscriptTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]types.TranscriptTurn, len(s.appended[id]))
	copy(out, s.appended[id])
	return out
}

// CallStats implements store.CallStore.
func (s *Store) CallStats(_ context.Context) (*store.CallStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	stats := &store.CallStats{
		ByStatus:    make(map[types.CallStatus]int64),
		ByDirection: make(map[types.Direction]int64),
	}
	var completed int64
	var totalDur time.Duration
	for _, call := range s.calls {
		stats.Total++
		stats.ByStatus[call.Status]++
		stats.ByDirection[call.Direction]++
		if call.Status == types.StatusCompleted {
			completed++
			totalDur += call.Duration
		}
	}
	if completed > 0 {
		stats.AvgDuration = totalDur / time.Duration(completed)
	}
	return stats, nil
}

// ─── jobs ────────────────────────────────────────────────────────────────────

// CreateJob implements store.JobStore.
func (s *Store) CreateJob(_ context.Context, job *types.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("mock store: job %s: %w", job.ID, store.ErrConflict)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// GetJob implements store.JobStore.
func (s *Store) GetJob(_ context.Context, id string) (*types.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("mock store: job %s: %w", id, store.ErrNotFound)
	}
	cp := *job
	return &cp, nil
}

// ListJobs implements store.JobStore.
func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]*types.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*types.ScheduledJob
	for _, job := range s.jobs {
		if len(filter.Statuses) > 0 && !containsJobStatus(filter.Statuses, job.Status) {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if !filter.DueBefore.IsZero() && !job.DueAt.Before(filter.DueBefore) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ClaimDueJobs implements store.JobStore.
func (s *Store) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]*types.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var due []*types.ScheduledJob
	for _, job := range s.jobs {
		if job.Status == types.JobPending && !job.DueAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*types.ScheduledJob, 0, len(due))
	for _, job := range due {
		job.Status = types.JobProcessing
		t := now
		job.ProcessedAt = &t
		job.UpdatedAt = now
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

// MarkJobCompleted implements store.JobStore.
func (s *Store) MarkJobCompleted(_ context.Context, id string, occurrences int, nextRun *time.Time) error {
	return s.transitionJob(id, types.JobProcessing, func(job *types.ScheduledJob) {
		job.Status = types.JobCompleted
		job.Occurrences = occurrences
		job.NextRun = nextRun
	})
}

// MarkJobFailed implements store.JobStore.
func (s *Store) MarkJobFailed(_ context.Context, id string, lastError string, attempts int, park bool, retryAt time.Time) error {
	return s.transitionJob(id, types.JobProcessing, func(job *types.ScheduledJob) {
		job.LastError = lastError
		job.Attempts = attempts
		if park {
			job.Status = types.JobFailed
		} else {
			job.Status = types.JobPending
			job.DueAt = retryAt
		}
	})
}

// RescheduleJob implements store.JobStore.
func (s *Store) RescheduleJob(_ context.Context, id string, dueAt time.Time) error {
	return s.transitionJob(id, types.JobPending, func(job *types.ScheduledJob) {
		job.DueAt = dueAt
	})
}

// CancelJob implements store.JobStore.
func (s *Store) CancelJob(_ context.Context, id string) error {
	return s.transitionJob(id, types.JobPending, func(job *types.ScheduledJob) {
		job.Status = types.JobCanceled
	})
}

func (s *Store) transitionJob(id string, from types.JobStatus, apply func(*types.ScheduledJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("mock store: job %s: %w", id, store.ErrNotFound)
	}
	if job.Status != from {
		return fmt.Errorf("mock store: job %s in status %s: %w", id, job.Status, store.ErrConflict)
	}
	apply(job)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// ─── retries ─────────────────────────────────────────────────────────────────

// CreateRetryAttempt implements store.RetryStore.
func (s *Store) CreateRetryAttempt(_ context.Context, attempt *types.RetryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, existing := range s.retries {
		if existing.OriginalCallID == attempt.OriginalCallID &&
			existing.AttemptNumber == attempt.AttemptNumber {
			return fmt.Errorf("mock store: retry attempt %d of %s: %w",
				attempt.AttemptNumber, attempt.OriginalCallID, store.ErrConflict)
		}
	}
	cp := *attempt
	s.retries[attempt.ID] = &cp
	return nil
}

// GetRetryAttempt implements store.RetryStore.
func (s *Store) GetRetryAttempt(_ context.Context, id string) (*types.RetryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	attempt, ok := s.retries[id]
	if !ok {
		return nil, fmt.Errorf("mock store: retry attempt %s: %w", id, store.ErrNotFound)
	}
	cp := *attempt
	return &cp, nil
}

// ListRetryAttempts implements store.RetryStore.
func (s *Store) ListRetryAttempts(_ context.Context, originalCallID string) ([]*types.RetryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*types.RetryAttempt
	for _, attempt := range s.retries {
		if attempt.OriginalCallID == originalCallID {
			cp := *attempt
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

// CountRetryAttempts implements store.RetryStore.
func (s *Store) CountRetryAttempts(ctx context.Context, originalCallID string) (int, error) {
	attempts, err := s.ListRetryAttempts(ctx, originalCallID)
	if err != nil {
		return 0, err
	}
	return len(attempts), nil
}

// UpdateRetryAttempt implements store.RetryStore.
func (s *Store) UpdateRetryAttempt(_ context.Context, id string, status types.RetryStatus, retryCallID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	attempt, ok := s.retries[id]
	if !ok {
		return fmt.Errorf("mock store: retry attempt %s: %w", id, store.ErrNotFound)
	}
	attempt.Status = status
	if retryCallID != "" {
		attempt.RetryCallID = retryCallID
	}
	attempt.UpdatedAt = time.Now().UTC()
	return nil
}

// ─── agents ──────────────────────────────────────────────────────────────────

// UpsertAgent implements store.AgentStore.
func (s *Store) UpsertAgent(_ context.Context, agent *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

// GetAgent implements store.AgentStore.
func (s *Store) GetAgent(_ context.Context, id string) (*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("mock store: agent %s: %w", id, store.ErrNotFound)
	}
	cp := *agent
	return &cp, nil
}

// ListAgents implements store.AgentStore.
func (s *Store) ListAgents(_ context.Context) ([]*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*types.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		cp := *agent
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsStatus(list []types.CallStatus, s types.CallStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsJobStatus(list []types.JobStatus, s types.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
