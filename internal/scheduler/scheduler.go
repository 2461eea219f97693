// Package scheduler runs the durable delayed-job queue. Jobs live in the
// store; dispatch timing lives in an in-process cron runner holding one
// one-shot entry per pending job. A firing entry does not execute the job
// directly: it only triggers a claim sweep, and the sweep's atomic
// pending→processing claim in the store is what guarantees a job runs once
// even with several timers, restarts, or replicas in play. The periodic
// reconciler sweep covers jobs whose timer was lost to a restart.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/types"

	"github.com/vocalix/vocalix/internal/observe"
)

// Scheduling errors.
var (
	// ErrPastDue rejects schedule requests whose due time is not in the
	// future.
	ErrPastDue = errors.New("scheduler: due time is in the past")

	// ErrNotPending wraps store conflicts when cancelling or rescheduling a
	// job that already left pending.
	ErrNotPending = errors.New("scheduler: job is not pending")
)

// Handler executes one claimed job. A nil return completes the job; an error
// return records a failed attempt and the job is re-queued until the attempt
// budget runs out.
type Handler func(ctx context.Context, job *types.ScheduledJob) error

// Config tunes the scheduler. Zero values select the defaults.
type Config struct {
	// PollInterval is the reconciler sweep cadence. Default 30s.
	PollInterval time.Duration

	// ClaimLimit bounds how many due jobs one sweep claims. Default 50.
	ClaimLimit int

	// MaxAttempts parks a job as failed after this many handler failures.
	// Default 3.
	MaxAttempts int

	// RetryBackoff is the delay before re-running a failed job, multiplied
	// by the attempt count. Default 1m.
	RetryBackoff time.Duration

	// DispatchTimeout bounds one handler execution. Default 1m.
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = time.Minute
	}
	return c
}

// Stats is the aggregate queue view behind the stats endpoint.
type Stats struct {
	// Waiting counts pending jobs that are already due.
	Waiting int `json:"waiting"`

	// Delayed counts pending jobs due in the future.
	Delayed int `json:"delayed"`

	// Active counts jobs currently processing.
	Active int `json:"active"`

	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Scheduler owns job persistence, timing, and dispatch.
type Scheduler struct {
	jobs    store.JobStore
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	cron *cron.Cron
	kick chan struct{}

	mu       sync.Mutex
	handlers map[types.JobKind]Handler
	entries  map[string]cron.EntryID
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Scheduler. metrics may be nil to use the package default.
func New(jobs store.JobStore, cfg Config, metrics *observe.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Scheduler{
		jobs:     jobs,
		cfg:      cfg.withDefaults(),
		log:      logger.With("component", "scheduler"),
		metrics:  metrics,
		now:      time.Now,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		kick:     make(chan struct{}, 1),
		handlers: make(map[types.JobKind]Handler),
		entries:  make(map[string]cron.EntryID),
	}
}

// RegisterHandler installs the dispatch handler for a job kind. Must be
// called before Start.
func (s *Scheduler) RegisterHandler(kind types.JobKind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Start re-arms timers for every pending job and begins dispatching. It
// returns once the scheduler is running; dispatch happens on background
// goroutines until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.done = make(chan struct{})
	s.mu.Unlock()

	pending, err := s.jobs.ListJobs(ctx, store.JobFilter{
		Statuses: []types.JobStatus{types.JobPending},
	})
	if err != nil {
		return fmt.Errorf("scheduler: load pending jobs: %w", err)
	}
	for _, job := range pending {
		s.arm(job.ID, job.DueAt)
	}
	s.log.Info("scheduler started", "pending_jobs", len(pending))

	s.cron.Start()
	go s.reconcile()
	return nil
}

// Stop halts timers and waits for in-flight dispatches to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	cancel()
	<-done
	s.log.Info("scheduler stopped")
}

// Enqueue persists job and arms its timer. The job must be pending with a
// future due time; its due time is shifted into the business-hours window
// when a policy is attached. Duplicate job IDs return store.ErrConflict,
// which deterministic-ID callers treat as already scheduled.
func (s *Scheduler) Enqueue(ctx context.Context, job *types.ScheduledJob) error {
	if !job.Kind.IsValid() {
		return fmt.Errorf("scheduler: unknown job kind %q", job.Kind)
	}
	now := s.now().UTC()
	if !job.DueAt.After(now) {
		return fmt.Errorf("%w: %s", ErrPastDue, job.DueAt)
	}
	if job.Recurrence != nil {
		if err := job.Recurrence.Validate(); err != nil {
			return err
		}
	}
	if job.BusinessHours != nil {
		if err := job.BusinessHours.Validate(); err != nil {
			return err
		}
		shifted, err := job.BusinessHours.Next(job.DueAt)
		if err != nil {
			return err
		}
		job.DueAt = shifted
	}
	if job.ID == "" {
		job.ID = types.NewJobID()
	}
	job.Status = types.JobPending
	job.DueAt = job.DueAt.UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("scheduler: create job: %w", err)
	}
	s.arm(job.ID, job.DueAt)
	s.log.Info("job enqueued",
		"job_id", job.ID, "kind", job.Kind, "call_id", job.CallID, "due_at", job.DueAt)
	return nil
}

// Cancel cancels a pending job. Jobs that already left pending return
// ErrNotPending.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if err := s.jobs.CancelJob(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrNotPending, jobID)
		}
		return fmt.Errorf("scheduler: cancel job %s: %w", jobID, err)
	}
	s.disarm(jobID)
	s.log.Info("job canceled", "job_id", jobID)
	return nil
}

// Reschedule moves a pending job to a new future due time.
func (s *Scheduler) Reschedule(ctx context.Context, jobID string, dueAt time.Time) error {
	if !dueAt.After(s.now()) {
		return fmt.Errorf("%w: %s", ErrPastDue, dueAt)
	}
	dueAt = dueAt.UTC()
	if err := s.jobs.RescheduleJob(ctx, jobID, dueAt); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrNotPending, jobID)
		}
		return fmt.Errorf("scheduler: reschedule job %s: %w", jobID, err)
	}
	s.arm(jobID, dueAt)
	s.log.Info("job rescheduled", "job_id", jobID, "due_at", dueAt)
	return nil
}

// List returns jobs matching the filter.
func (s *Scheduler) List(ctx context.Context, filter store.JobFilter) ([]*types.ScheduledJob, error) {
	return s.jobs.ListJobs(ctx, filter)
}

// Stats summarises the queue.
func (s *Scheduler) Stats(ctx context.Context) (*Stats, error) {
	jobs, err := s.jobs.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return nil, fmt.Errorf("scheduler: stats: %w", err)
	}
	now := s.now()
	st := &Stats{}
	for _, job := range jobs {
		switch job.Status {
		case types.JobPending:
			if job.DueAt.After(now) {
				st.Delayed++
			} else {
				st.Waiting++
			}
		case types.JobProcessing:
			st.Active++
		case types.JobCompleted:
			st.Completed++
		case types.JobFailed:
			st.Failed++
		}
	}
	return st, nil
}

// Sweep claims and dispatches every due job. Normally driven by the timers
// and the reconciler; exposed for tests and operational tooling.
func (s *Scheduler) Sweep(ctx context.Context) int {
	claimed, err := s.jobs.ClaimDueJobs(ctx, s.now().UTC(), s.cfg.ClaimLimit)
	if err != nil {
		s.log.Error("claiming due jobs", "error", err)
		return 0
	}
	if len(claimed) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, job := range claimed {
		s.disarm(job.ID)
		g.Go(func() error {
			s.dispatch(gctx, job)
			return nil
		})
	}
	g.Wait()
	return len(claimed)
}

// reconcile is the background sweep loop. Timer firings funnel into the same
// loop through the kick channel so concurrent sweeps never pile up.
func (s *Scheduler) reconcile() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		for s.Sweep(s.ctx) == s.cfg.ClaimLimit {
			// A full batch means more may be due.
		}
	}
}

// dispatch runs one claimed job through its handler and records the outcome.
func (s *Scheduler) dispatch(ctx context.Context, job *types.ScheduledJob) {
	log := s.log.With("job_id", job.ID, "kind", job.Kind, "call_id", job.CallID)

	s.mu.Lock()
	handler := s.handlers[job.Kind]
	s.mu.Unlock()
	if handler == nil {
		log.Error("no handler registered")
		s.markFailed(ctx, job, fmt.Errorf("no handler for kind %q", job.Kind), true)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	err := handler(hctx, job)
	cancel()

	if err != nil {
		attempts := job.Attempts + 1
		park := attempts >= s.cfg.MaxAttempts
		log.Warn("job handler failed", "error", err, "attempts", attempts, "parked", park)
		s.markFailed(ctx, job, err, park)
		s.recordDispatch(ctx, job.Kind, "failed")
		return
	}

	occurrences := job.Occurrences + 1
	nextRun := s.successorDue(job, occurrences)
	if markErr := s.jobs.MarkJobCompleted(ctx, job.ID, occurrences, nextRun); markErr != nil {
		log.Error("marking job completed", "error", markErr)
		return
	}
	s.recordDispatch(ctx, job.Kind, "completed")
	log.Info("job completed", "occurrences", occurrences)

	if nextRun != nil {
		s.enqueueSuccessor(ctx, job, occurrences, *nextRun)
	}
}

// successorDue computes the next occurrence of a recurring job, or nil when
// the job does not recur or its recurrence is exhausted.
func (s *Scheduler) successorDue(job *types.ScheduledJob, occurrences int) *time.Time {
	if job.Recurrence == nil {
		return nil
	}
	loc := time.UTC
	if job.Timezone != "" {
		if l, err := time.LoadLocation(job.Timezone); err == nil {
			loc = l
		}
	}
	next := job.Recurrence.NextAfter(job.DueAt, loc)
	if job.BusinessHours != nil {
		if shifted, err := job.BusinessHours.Next(next); err == nil {
			next = shifted
		}
	}
	if job.Recurrence.Exhausted(next, occurrences) {
		return nil
	}
	return &next
}

// enqueueSuccessor persists the next occurrence of a recurring job.
func (s *Scheduler) enqueueSuccessor(ctx context.Context, job *types.ScheduledJob, occurrences int, dueAt time.Time) {
	successor := &types.ScheduledJob{
		ID:            types.NewJobID(),
		Kind:          job.Kind,
		CallID:        job.CallID,
		DueAt:         dueAt,
		Timezone:      job.Timezone,
		Status:        types.JobPending,
		BusinessHours: job.BusinessHours,
		Recurrence:    job.Recurrence,
		Occurrences:   occurrences,
		CreatedAt:     s.now().UTC(),
		UpdatedAt:     s.now().UTC(),
	}
	if err := s.jobs.CreateJob(ctx, successor); err != nil {
		s.log.Error("enqueueing recurrence successor",
			"job_id", job.ID, "successor_id", successor.ID, "error", err)
		return
	}
	s.arm(successor.ID, successor.DueAt)
	s.log.Info("recurrence successor enqueued",
		"job_id", job.ID, "successor_id", successor.ID, "due_at", dueAt, "occurrences", occurrences)
}

func (s *Scheduler) markFailed(ctx context.Context, job *types.ScheduledJob, cause error, park bool) {
	attempts := job.Attempts + 1
	retryAt := s.now().UTC().Add(s.cfg.RetryBackoff * time.Duration(attempts))
	if err := s.jobs.MarkJobFailed(ctx, job.ID, cause.Error(), attempts, park, retryAt); err != nil {
		s.log.Error("marking job failed", "job_id", job.ID, "error", err)
		return
	}
	if !park {
		s.arm(job.ID, retryAt)
	}
}

// arm points a one-shot cron entry at dueAt for jobID, replacing any earlier
// timer for the same job.
func (s *Scheduler) arm(jobID string, dueAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[jobID]; ok {
		s.cron.Remove(id)
	}
	s.entries[jobID] = s.cron.Schedule(newOnceAt(dueAt), cron.FuncJob(s.kickSweep))
}

func (s *Scheduler) disarm(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[jobID]; ok {
		s.cron.Remove(id)
		delete(s.entries, jobID)
	}
}

// kickSweep nudges the reconciler without blocking the cron goroutine.
func (s *Scheduler) kickSweep() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) recordDispatch(ctx context.Context, kind types.JobKind, outcome string) {
	s.metrics.JobsDispatched.Add(ctx, 1, metric.WithAttributes(
		observe.Attr("kind", string(kind)),
		observe.Attr("outcome", outcome),
	))
}
