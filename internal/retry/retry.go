// Package retry decides whether and when a failed outbound call is dialed
// again. The failure reason selects a policy (attempt budget, base delay,
// backoff); the computed due time gets jitter and an optional shift into
// business hours, then the attempt is handed to the scheduler as a durable
// job with a deterministic ID so duplicate scheduling collapses.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/types"

	"github.com/vocalix/vocalix/internal/dialer"
	"github.com/vocalix/vocalix/internal/observe"
	"github.com/vocalix/vocalix/internal/scheduler"
)

// immediateDelay is the effective delay of "immediate" policies. Due times
// must be in the future for the job queue, and a couple of seconds keeps a
// flapping connection from redialing in a tight loop.
const immediateDelay = 2 * time.Second

// policy is the retry behaviour for one failure class.
type policy struct {
	maxAttempts int
	baseDelay   time.Duration
	backoff     float64
	maxDelay    time.Duration
}

// policies maps each retryable failure reason to its policy. Reasons absent
// from the table never retry. Voicemail is additionally gated by
// Config.RetryVoicemail.
var policies = map[types.FailureReason]policy{
	types.FailureNoAnswer:       {maxAttempts: 3, baseDelay: 5 * time.Minute, backoff: 2, maxDelay: time.Hour},
	types.FailureBusy:           {maxAttempts: 3, baseDelay: 10 * time.Minute, backoff: 2, maxDelay: time.Hour},
	types.FailureVoicemail:      {maxAttempts: 2, baseDelay: 30 * time.Minute, backoff: 2, maxDelay: time.Hour},
	types.FailureNoResponse:     {maxAttempts: 3, baseDelay: 5 * time.Minute, backoff: 2, maxDelay: time.Hour},
	types.FailureNetworkError:   {maxAttempts: 5, baseDelay: time.Minute, backoff: 2, maxDelay: 15 * time.Minute},
	types.FailureRateLimited:    {maxAttempts: 5, baseDelay: time.Minute, backoff: 2, maxDelay: 15 * time.Minute},
	types.FailureAPIUnavailable: {maxAttempts: 5, baseDelay: time.Minute, backoff: 2, maxDelay: 15 * time.Minute},
	types.FailureConnectionLost: {maxAttempts: 1},
}

// CallPlacer is the dialer surface retry execution drives. *dialer.Dialer
// satisfies it.
type CallPlacer interface {
	Initiate(ctx context.Context, req dialer.Request) (string, error)
}

// Config tunes the retry engine.
type Config struct {
	// RetryVoicemail includes voicemail outcomes in retries. Default off:
	// most campaigns treat a reached mailbox as a final outcome.
	RetryVoicemail bool

	// AutoRetryForRetries allows a failed retry call to spawn further
	// retries. Default off; each original call then gets at most one
	// generation of retries.
	AutoRetryForRetries bool

	// OffPeakShift moves computed due times into BusinessHours. Enabled
	// whenever BusinessHours is set.
	BusinessHours *types.BusinessHoursPolicy
}

// Engine schedules and executes retry attempts.
type Engine struct {
	calls   store.CallStore
	retries store.RetryStore
	sched   *scheduler.Scheduler
	placer  CallPlacer
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
	jitter  func() float64
}

// New creates an Engine. metrics may be nil to use the package default.
func New(calls store.CallStore, retries store.RetryStore, sched *scheduler.Scheduler, placer CallPlacer, cfg Config, metrics *observe.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Engine{
		calls:   calls,
		retries: retries,
		sched:   sched,
		placer:  placer,
		cfg:     cfg,
		log:     logger.With("component", "retry"),
		metrics: metrics,
		now:     time.Now,
		jitter:  func() float64 { return (rand.Float64() - 0.5) / 5 }, // ±10%
	}
}

// ScheduleRetry plans the next attempt for a failed call. It returns the new
// attempt's ID, or "" when the reason is not retryable, the attempt budget
// is spent, or the call is itself a retry and retry-of-retry is off.
func (e *Engine) ScheduleRetry(ctx context.Context, callID string, reason types.FailureReason) (string, error) {
	pol, ok := policies[reason]
	if !ok || (reason == types.FailureVoicemail && !e.cfg.RetryVoicemail) {
		e.log.Debug("failure not retryable", "call_id", callID, "reason", reason)
		return "", nil
	}

	call, err := e.calls.GetCall(ctx, callID)
	if err != nil {
		return "", fmt.Errorf("retry: call %s: %w", callID, err)
	}
	if call.RetryOf != "" && !e.cfg.AutoRetryForRetries {
		e.log.Debug("not retrying a retry", "call_id", callID, "retry_of", call.RetryOf)
		return "", nil
	}

	prior, err := e.retries.CountRetryAttempts(ctx, callID)
	if err != nil {
		return "", fmt.Errorf("retry: count attempts for %s: %w", callID, err)
	}
	attemptNumber := prior + 1
	if attemptNumber > pol.maxAttempts {
		e.log.Info("retry budget exhausted",
			"call_id", callID, "reason", reason, "attempts", prior)
		return "", nil
	}

	dueAt, err := e.dueAt(pol, attemptNumber)
	if err != nil {
		return "", err
	}

	attempt := &types.RetryAttempt{
		ID:             types.NewRetryAttemptID(),
		OriginalCallID: callID,
		AttemptNumber:  attemptNumber,
		DueAt:          dueAt,
		Status:         types.RetryPending,
		FailureReason:  reason,
		CreatedAt:      e.now().UTC(),
		UpdatedAt:      e.now().UTC(),
	}
	if err := e.retries.CreateRetryAttempt(ctx, attempt); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A concurrent scheduler won this attempt number.
			e.log.Debug("attempt already exists",
				"call_id", callID, "attempt", attemptNumber)
			return "", nil
		}
		return "", fmt.Errorf("retry: create attempt: %w", err)
	}

	job := &types.ScheduledJob{
		ID:             types.RetryJobID(attempt.ID),
		Kind:           types.JobRetryCall,
		CallID:         callID,
		RetryAttemptID: attempt.ID,
		DueAt:          dueAt,
	}
	if err := e.sched.Enqueue(ctx, job); err != nil && !errors.Is(err, store.ErrConflict) {
		if cancelErr := e.retries.UpdateRetryAttempt(ctx, attempt.ID, types.RetryCanceled, ""); cancelErr != nil {
			e.log.Error("canceling orphaned attempt", "attempt_id", attempt.ID, "error", cancelErr)
		}
		return "", fmt.Errorf("retry: enqueue job: %w", err)
	}

	e.metrics.RetriesScheduled.Add(ctx, 1, metric.WithAttributes(
		observe.Attr("reason", string(reason)),
	))
	e.log.Info("retry scheduled",
		"call_id", callID,
		"attempt_id", attempt.ID,
		"attempt", attemptNumber,
		"reason", reason,
		"due_at", dueAt,
	)
	return attempt.ID, nil
}

// CancelRetries cancels every pending attempt for a call and its queued job.
func (e *Engine) CancelRetries(ctx context.Context, callID string) error {
	attempts, err := e.retries.ListRetryAttempts(ctx, callID)
	if err != nil {
		return fmt.Errorf("retry: list attempts for %s: %w", callID, err)
	}
	for _, attempt := range attempts {
		if attempt.Status != types.RetryPending {
			continue
		}
		if err := e.retries.UpdateRetryAttempt(ctx, attempt.ID, types.RetryCanceled, ""); err != nil {
			return fmt.Errorf("retry: cancel attempt %s: %w", attempt.ID, err)
		}
		if err := e.sched.Cancel(ctx, types.RetryJobID(attempt.ID)); err != nil &&
			!errors.Is(err, scheduler.ErrNotPending) && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("retry: cancel job for attempt %s: %w", attempt.ID, err)
		}
		e.log.Info("retry canceled", "call_id", callID, "attempt_id", attempt.ID)
	}
	return nil
}

// List returns all attempts recorded for a call, oldest first.
func (e *Engine) List(ctx context.Context, callID string) ([]*types.RetryAttempt, error) {
	return e.retries.ListRetryAttempts(ctx, callID)
}

// Handler returns the scheduler dispatch handler for retry jobs. A handler
// that finds its attempt already past pending exits without side effect, so
// duplicate job deliveries cannot dial twice.
func (e *Engine) Handler() scheduler.Handler {
	return func(ctx context.Context, job *types.ScheduledJob) error {
		attempt, err := e.retries.GetRetryAttempt(ctx, job.RetryAttemptID)
		if err != nil {
			return fmt.Errorf("attempt %s: %w", job.RetryAttemptID, err)
		}
		if attempt.Status != types.RetryPending {
			e.log.Debug("attempt already handled",
				"attempt_id", attempt.ID, "status", attempt.Status)
			return nil
		}

		original, err := e.calls.GetCall(ctx, attempt.OriginalCallID)
		if err != nil {
			return fmt.Errorf("original call %s: %w", attempt.OriginalCallID, err)
		}

		retryCallID, err := e.placer.Initiate(ctx, dialer.Request{
			Phone:        original.Phone,
			AgentID:      original.AgentID,
			Metadata:     original.Metadata,
			ParentCallID: original.ID,
		})
		if err != nil {
			if markErr := e.retries.UpdateRetryAttempt(ctx, attempt.ID, types.RetryFailed, ""); markErr != nil {
				e.log.Error("marking attempt failed", "attempt_id", attempt.ID, "error", markErr)
			}
			return fmt.Errorf("dialing retry of %s: %w", original.ID, err)
		}

		// The attempt stays processing until the retry call reaches a
		// terminal status; ResolveAttempt closes it then.
		if err := e.retries.UpdateRetryAttempt(ctx, attempt.ID, types.RetryProcessing, retryCallID); err != nil {
			e.log.Error("marking attempt processing", "attempt_id", attempt.ID, "error", err)
		}
		e.log.Info("retry dialed",
			"attempt_id", attempt.ID,
			"original_call_id", original.ID,
			"retry_call_id", retryCallID,
		)
		return nil
	}
}

// ResolveAttempt closes the processing attempt behind a retry call that
// reached a terminal status. Calls that are not retries are ignored.
func (e *Engine) ResolveAttempt(ctx context.Context, retryCall *types.Call) error {
	if retryCall.RetryOf == "" || !retryCall.Status.Terminal() {
		return nil
	}
	attempts, err := e.retries.ListRetryAttempts(ctx, retryCall.RetryOf)
	if err != nil {
		return fmt.Errorf("retry: list attempts for %s: %w", retryCall.RetryOf, err)
	}
	for _, attempt := range attempts {
		if attempt.RetryCallID != retryCall.ID || attempt.Status != types.RetryProcessing {
			continue
		}
		status := types.RetryFailed
		if retryCall.Status == types.StatusCompleted {
			status = types.RetryCompleted
		}
		if err := e.retries.UpdateRetryAttempt(ctx, attempt.ID, status, ""); err != nil {
			return fmt.Errorf("retry: resolve attempt %s: %w", attempt.ID, err)
		}
		e.log.Info("retry resolved",
			"attempt_id", attempt.ID, "retry_call_id", retryCall.ID, "status", status)
	}
	return nil
}

// dueAt computes the attempt's dial time: exponential backoff from the base
// delay, a per-class cap, ±10% jitter, and the off-peak shift.
func (e *Engine) dueAt(pol policy, attemptNumber int) (time.Time, error) {
	delay := immediateDelay
	if pol.baseDelay > 0 {
		d := time.Duration(float64(pol.baseDelay) * math.Pow(pol.backoff, float64(attemptNumber-1)))
		if pol.maxDelay > 0 && d > pol.maxDelay {
			d = pol.maxDelay
		}
		d += time.Duration(float64(d) * e.jitter())
		if d < immediateDelay {
			d = immediateDelay
		}
		delay = d
	}

	dueAt := e.now().UTC().Add(delay)
	if e.cfg.BusinessHours != nil {
		shifted, err := e.cfg.BusinessHours.Next(dueAt)
		if err != nil {
			return time.Time{}, fmt.Errorf("retry: business hours: %w", err)
		}
		dueAt = shifted
	}
	return dueAt, nil
}
