// Package webhook applies telephony provider status callbacks to call
// records. It is the only writer of provider-driven lifecycle transitions:
// ringing, connected, and every terminal outcome flow through here, and the
// terminal transition is what releases dialer capacity and feeds the retry
// engine. Handling is idempotent; the append-only rule on terminal statuses
// makes the first delivery win and later duplicates no-ops.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/telephony"
	"github.com/vocalix/vocalix/pkg/types"

	"github.com/vocalix/vocalix/internal/observe"
)

// ErrUnknownCall means the event matched no call record and could not start
// an inbound one.
var ErrUnknownCall = errors.New("webhook: unknown call")

// ErrUnknownStatus rejects events whose provider status is not in the map.
var ErrUnknownStatus = errors.New("webhook: unknown provider status")

// RetryScheduler is the retry-engine surface terminal failures feed.
// *retry.Engine satisfies it.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, callID string, reason types.FailureReason) (string, error)
	ResolveAttempt(ctx context.Context, retryCall *types.Call) error
}

// ActiveCalls is the dialer surface that releases outbound capacity.
// *dialer.Dialer satisfies it.
type ActiveCalls interface {
	Deregister(callID string)
}

// Config tunes the dispatcher.
type Config struct {
	// AutoRetry schedules a retry when an outbound call fails terminally.
	AutoRetry bool

	// InboundAgentID is the agent answering calls we did not place. When
	// empty, events for unknown provider calls are rejected.
	InboundAgentID string
}

// Dispatcher applies provider status events to call state.
type Dispatcher struct {
	calls   store.CallStore
	retry   RetryScheduler
	active  ActiveCalls
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
}

// New creates a Dispatcher. metrics may be nil to use the package default.
func New(calls store.CallStore, rs RetryScheduler, active ActiveCalls, cfg Config, metrics *observe.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{
		calls:   calls,
		retry:   rs,
		active:  active,
		cfg:     cfg,
		log:     logger.With("component", "webhook"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Handle applies one status event. Duplicate deliveries of a terminal status
// return nil without side effect.
func (d *Dispatcher) Handle(ctx context.Context, ev telephony.StatusEvent) error {
	mapped, ok := mapStatus(ev.CallStatus)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, ev.CallStatus)
	}

	call, err := d.locate(ctx, ev)
	if err != nil {
		return err
	}
	log := d.log.With("call_id", call.ID, "provider_status", ev.CallStatus)

	d.metrics.WebhooksReceived.Add(ctx, 1, metric.WithAttributes(
		observe.Attr("status", string(mapped.status)),
	))

	if call.Status.Terminal() {
		log.Debug("event for terminal call ignored")
		return nil
	}

	update := d.buildUpdate(call, mapped, ev)
	updated, err := d.calls.UpdateCall(ctx, call.ID, update)
	if err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			log.Debug("lost terminal race, event ignored")
			return nil
		}
		return fmt.Errorf("webhook: update call %s: %w", call.ID, err)
	}
	log.Info("provider status applied",
		"status", updated.Status, "sub_status", updated.SubStatus)

	if updated.Status.Terminal() {
		d.onTerminal(ctx, updated)
	}
	return nil
}

// locate resolves the event's call: by provider ID, by the echoed custom
// field, and finally by starting an inbound record.
func (d *Dispatcher) locate(ctx context.Context, ev telephony.StatusEvent) (*types.Call, error) {
	call, err := d.calls.GetCallByProviderID(ctx, ev.CallSid)
	if err == nil {
		return call, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("webhook: locate %s: %w", ev.CallSid, err)
	}
	if ev.CustomField != "" {
		call, err = d.calls.GetCall(ctx, ev.CustomField)
		if err == nil {
			return call, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("webhook: locate %s: %w", ev.CustomField, err)
		}
	}
	return d.startInbound(ctx, ev)
}

// startInbound creates the record for a call the provider initiated towards
// us. Outbound calls always exist before their first webhook; a miss on both
// keys means an inbound leg.
func (d *Dispatcher) startInbound(ctx context.Context, ev telephony.StatusEvent) (*types.Call, error) {
	if d.cfg.InboundAgentID == "" {
		return nil, fmt.Errorf("%w: sid %s", ErrUnknownCall, ev.CallSid)
	}
	call := &types.Call{
		ID:             types.NewCallID(),
		Direction:      types.DirectionInbound,
		AgentID:        d.cfg.InboundAgentID,
		Status:         types.StatusInitiated,
		ProviderCallID: ev.CallSid,
		CreatedAt:      d.now().UTC(),
	}
	if err := d.calls.CreateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("webhook: create inbound call: %w", err)
	}
	d.metrics.RecordCallStarted(ctx, string(types.DirectionInbound))
	d.log.Info("inbound call started", "call_id", call.ID, "provider_call_id", ev.CallSid)
	return call, nil
}

// mapped is the internal view of one provider status.
type mapped struct {
	status types.CallStatus
	sub    types.SubStatus
	reason types.FailureReason
}

// mapStatus translates a provider status into call status, sub-status, and
// failure reason.
func mapStatus(providerStatus string) (mapped, bool) {
	switch providerStatus {
	case telephony.StatusQueued:
		return mapped{status: types.StatusInitiated, sub: types.SubQueued}, true
	case telephony.StatusInitiated:
		return mapped{status: types.StatusInitiated, sub: types.SubQueued}, true
	case telephony.StatusRinging:
		return mapped{status: types.StatusRinging, sub: types.SubRinging}, true
	case telephony.StatusInProgress:
		return mapped{status: types.StatusInProgress, sub: types.SubConnected}, true
	case telephony.StatusCompleted:
		return mapped{status: types.StatusCompleted}, true
	case telephony.StatusBusy:
		return mapped{status: types.StatusFailed, sub: types.SubBusy, reason: types.FailureBusy}, true
	case telephony.StatusNoAnswer:
		return mapped{status: types.StatusFailed, sub: types.SubNoAnswer, reason: types.FailureNoAnswer}, true
	case telephony.StatusVoicemail:
		return mapped{status: types.StatusFailed, sub: types.SubVoicemail, reason: types.FailureVoicemail}, true
	case telephony.StatusFailed:
		return mapped{status: types.StatusFailed, reason: types.FailureRejected}, true
	case telephony.StatusCanceled:
		return mapped{status: types.StatusCanceled, reason: types.FailureCanceled}, true
	}
	return mapped{}, false
}

func (d *Dispatcher) buildUpdate(call *types.Call, m mapped, ev telephony.StatusEvent) store.CallUpdate {
	now := d.now().UTC()
	update := store.CallUpdate{Status: &m.status}
	if m.sub != "" {
		update.SubStatus = &m.sub
	}
	if m.reason != "" {
		update.FailureReason = &m.reason
	}
	if call.ProviderCallID == "" {
		update.ProviderCallID = &ev.CallSid
	}
	if ev.RecordingUrl != "" {
		update.RecordingURL = &ev.RecordingUrl
	}
	if m.status == types.StatusInProgress && call.StartedAt == nil {
		update.StartedAt = &now
	}
	if m.status.Terminal() {
		update.EndedAt = &now
		if ev.CallDuration > 0 {
			duration := time.Duration(ev.CallDuration) * time.Second
			update.Duration = &duration
		}
	}
	return update
}

// onTerminal releases dialer capacity, settles retry bookkeeping, and, for
// failed outbound calls, asks the retry engine for a follow-up attempt.
func (d *Dispatcher) onTerminal(ctx context.Context, call *types.Call) {
	if call.Direction == types.DirectionOutbound && d.active != nil {
		d.active.Deregister(call.ID)
	}
	d.metrics.RecordCallCompleted(ctx, string(call.Status))

	if d.retry == nil {
		return
	}
	if err := d.retry.ResolveAttempt(ctx, call); err != nil {
		d.log.Error("resolving retry attempt", "call_id", call.ID, "error", err)
	}
	if d.cfg.AutoRetry && call.Direction == types.DirectionOutbound &&
		call.Status == types.StatusFailed && call.FailureReason != "" {
		if _, err := d.retry.ScheduleRetry(ctx, call.ID, call.FailureReason); err != nil {
			d.log.Error("scheduling retry", "call_id", call.ID, "error", err)
		}
	}
}
