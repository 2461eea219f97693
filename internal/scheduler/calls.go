package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/types"

	"github.com/vocalix/vocalix/internal/dialer"
)

// CallPlacer is the dialer surface scheduled-call jobs drive. *dialer.Dialer
// satisfies it.
type CallPlacer interface {
	// InitiateExisting dials a pre-created call record; a record already
	// sent to the provider is a no-op.
	InitiateExisting(ctx context.Context, callID string) error

	// Initiate creates and dials a fresh call.
	Initiate(ctx context.Context, req dialer.Request) (string, error)
}

// AgentSource resolves active agents. *agent.Registry satisfies it.
type AgentSource interface {
	GetActive(ctx context.Context, id string) (*types.Agent, error)
}

// ScheduleRequest describes an outbound call to place at a future time.
type ScheduleRequest struct {
	Phone    string         `json:"phone"`
	AgentID  string         `json:"agentId"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// DueAt is the intended dial time.
	DueAt time.Time `json:"dueAt"`

	// Timezone is the IANA zone for recurrence arithmetic. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	BusinessHours *types.BusinessHoursPolicy `json:"businessHours,omitempty"`
	Recurrence    *types.Recurrence          `json:"recurrence,omitempty"`
}

// CallScheduler pairs the job queue with the call store for the
// scheduled-call flow: scheduling creates the call record up front so the
// call is visible through the API before it dials.
type CallScheduler struct {
	sched  *Scheduler
	calls  store.CallStore
	agents AgentSource
}

// NewCallScheduler creates a CallScheduler on top of sched.
func NewCallScheduler(sched *Scheduler, calls store.CallStore, agents AgentSource) *CallScheduler {
	return &CallScheduler{sched: sched, calls: calls, agents: agents}
}

// Schedule validates the request, creates the call record, and enqueues the
// dial job. Returns the job and the pre-created call.
func (cs *CallScheduler) Schedule(ctx context.Context, req ScheduleRequest) (*types.ScheduledJob, *types.Call, error) {
	if !types.ValidPhone(req.Phone) {
		return nil, nil, fmt.Errorf("%w: %q", dialer.ErrInvalidPhone, req.Phone)
	}
	if _, err := cs.agents.GetActive(ctx, req.AgentID); err != nil {
		return nil, nil, fmt.Errorf("%w: %q: %w", dialer.ErrAgentNotFound, req.AgentID, err)
	}
	now := cs.sched.now().UTC()
	dueAt := req.DueAt.UTC()
	if !dueAt.After(now) {
		return nil, nil, fmt.Errorf("%w: %s", ErrPastDue, dueAt)
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return nil, nil, fmt.Errorf("scheduler: timezone: %w", err)
		}
	}
	if req.BusinessHours != nil {
		if err := req.BusinessHours.Validate(); err != nil {
			return nil, nil, err
		}
		shifted, err := req.BusinessHours.Next(dueAt)
		if err != nil {
			return nil, nil, err
		}
		dueAt = shifted
	}
	if req.Recurrence != nil {
		if err := req.Recurrence.Validate(); err != nil {
			return nil, nil, err
		}
	}

	call := &types.Call{
		ID:           types.NewCallID(),
		Direction:    types.DirectionOutbound,
		Phone:        req.Phone,
		AgentID:      req.AgentID,
		Status:       types.StatusInitiated,
		CreatedAt:    now,
		ScheduledFor: &dueAt,
		Metadata:     req.Metadata,
	}
	if err := cs.calls.CreateCall(ctx, call); err != nil {
		return nil, nil, fmt.Errorf("scheduler: create call: %w", err)
	}

	job := &types.ScheduledJob{
		Kind:          types.JobScheduledCall,
		CallID:        call.ID,
		DueAt:         dueAt,
		Timezone:      req.Timezone,
		BusinessHours: req.BusinessHours,
		Recurrence:    req.Recurrence,
	}
	if err := cs.sched.Enqueue(ctx, job); err != nil {
		cs.markCallCanceled(ctx, call.ID)
		return nil, nil, err
	}
	return job, call, nil
}

// Cancel cancels a pending scheduled-call job and closes its undialed call
// record.
func (cs *CallScheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := cs.sched.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", jobID, err)
	}
	if err := cs.sched.Cancel(ctx, jobID); err != nil {
		return err
	}
	if job.Kind == types.JobScheduledCall {
		cs.markCallCanceled(ctx, job.CallID)
	}
	return nil
}

func (cs *CallScheduler) markCallCanceled(ctx context.Context, callID string) {
	call, err := cs.calls.GetCall(ctx, callID)
	if err != nil || call.Status.Terminal() || call.InitiatedAt != nil {
		return
	}
	status := types.StatusCanceled
	reason := types.FailureCanceled
	ended := cs.sched.now().UTC()
	if _, err := cs.calls.UpdateCall(ctx, callID, store.CallUpdate{
		Status:        &status,
		FailureReason: &reason,
		EndedAt:       &ended,
	}); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
		cs.sched.log.Warn("closing scheduled call record", "call_id", callID, "error", err)
	}
}

// NewCallHandler returns the dispatch handler for scheduled-call jobs. The
// first occurrence dials the pre-created call record; recurrence successors
// clone it into a fresh call.
func NewCallHandler(calls store.CallStore, placer CallPlacer) Handler {
	return func(ctx context.Context, job *types.ScheduledJob) error {
		call, err := calls.GetCall(ctx, job.CallID)
		if err != nil {
			return fmt.Errorf("scheduled call %s: %w", job.CallID, err)
		}
		if job.Occurrences == 0 {
			return placer.InitiateExisting(ctx, call.ID)
		}
		_, err = placer.Initiate(ctx, dialer.Request{
			Phone:    call.Phone,
			AgentID:  call.AgentID,
			Metadata: call.Metadata,
		})
		return err
	}
}
