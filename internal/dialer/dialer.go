// Package dialer mediates outbound call initiation. Every outbound call,
// whether placed directly through the API, by the scheduler, or by the retry
// engine, goes through [Dialer.Initiate], which validates the request,
// creates the call record, and hands the call to the telephony provider.
//
// The dialer tracks in-flight outbound calls in an in-memory map so a global
// concurrency cap can be enforced without a store round trip. The webhook
// dispatcher removes entries when the provider reports a terminal status; a
// sweep removes entries that never received one.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/telephony"
	"github.com/vocalix/vocalix/pkg/types"

	"github.com/vocalix/vocalix/internal/observe"
)

// Initiation and cancellation errors.
var (
	// ErrInvalidPhone rejects destination numbers that are not E.164.
	ErrInvalidPhone = errors.New("dialer: invalid phone number")

	// ErrAgentNotFound rejects requests naming a missing or inactive agent.
	ErrAgentNotFound = errors.New("dialer: agent not found or inactive")

	// ErrConcurrentLimit rejects initiations while the outbound cap is full.
	ErrConcurrentLimit = errors.New("dialer: concurrent outbound limit reached")

	// ErrInvalidCallState rejects cancellation of calls past ringing.
	ErrInvalidCallState = errors.New("dialer: invalid call state")

	// ErrBulkTooLarge rejects bulk batches over MaxBulk requests.
	ErrBulkTooLarge = errors.New("dialer: bulk batch too large")
)

// MaxBulk is the largest accepted bulk batch.
const MaxBulk = 1000

// AgentSource resolves active agents. *agent.Registry satisfies it.
type AgentSource interface {
	GetActive(ctx context.Context, id string) (*types.Agent, error)
}

// Request describes one outbound call to place.
type Request struct {
	// Phone is the destination in E.164 form.
	Phone string `json:"phone"`

	// AgentID selects the agent driving the conversation.
	AgentID string `json:"agentId"`

	// Metadata is caller-supplied context stored on the call record.
	Metadata map[string]any `json:"metadata,omitempty"`

	// ParentCallID marks this call as a retry of an earlier one.
	ParentCallID string `json:"parentCallId,omitempty"`
}

// Config tunes the dialer. Zero values select the defaults.
type Config struct {
	// MaxConcurrentOutbound caps simultaneously active outbound calls.
	// Default 10.
	MaxConcurrentOutbound int

	// BulkGap is the minimum pause between consecutive initiations in a
	// bulk batch. Default 1s.
	BulkGap time.Duration

	// SweepAge is how long an active-map entry may live without a terminal
	// webhook before the sweep drops it. Default 1h.
	SweepAge time.Duration

	// FromNumber is the caller number presented on outbound calls.
	FromNumber string

	// AppID is the provider-side application owning media and webhooks.
	AppID string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentOutbound <= 0 {
		c.MaxConcurrentOutbound = 10
	}
	if c.BulkGap <= 0 {
		c.BulkGap = time.Second
	}
	if c.SweepAge <= 0 {
		c.SweepAge = time.Hour
	}
	return c
}

// Dialer places outbound calls and enforces the global concurrency cap.
// Safe for concurrent use.
type Dialer struct {
	store   store.CallStore
	agents  AgentSource
	telco   telephony.Provider
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[string]time.Time
}

// New creates a Dialer. metrics may be nil to use the package default.
func New(st store.CallStore, agents AgentSource, telco telephony.Provider, cfg Config, metrics *observe.Metrics, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Dialer{
		store:   st,
		agents:  agents,
		telco:   telco,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		log:     logger.With("component", "dialer"),
		now:     time.Now,
		active:  make(map[string]time.Time),
	}
}

// Initiate validates the request, creates the call record, and asks the
// telephony provider to place the call. It returns the internal call ID.
//
// Provider refusals mark the call failed with the matching reason and are
// propagated to the caller; the dialer never schedules retries itself.
func (d *Dialer) Initiate(ctx context.Context, req Request) (string, error) {
	if !types.ValidPhone(req.Phone) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, req.Phone)
	}
	if _, err := d.agents.GetActive(ctx, req.AgentID); err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrAgentNotFound, req.AgentID, err)
	}

	retryCount := 0
	if req.ParentCallID != "" {
		parent, err := d.store.GetCall(ctx, req.ParentCallID)
		if err != nil {
			return "", fmt.Errorf("dialer: parent call %s: %w", req.ParentCallID, err)
		}
		retryCount = parent.RetryCount + 1
	}

	call := &types.Call{
		ID:         types.NewCallID(),
		Direction:  types.DirectionOutbound,
		Phone:      req.Phone,
		AgentID:    req.AgentID,
		Status:     types.StatusInitiated,
		RetryOf:    req.ParentCallID,
		RetryCount: retryCount,
		CreatedAt:  d.now().UTC(),
		Metadata:   req.Metadata,
	}
	if err := d.reserve(call.ID); err != nil {
		return "", err
	}
	if err := d.store.CreateCall(ctx, call); err != nil {
		d.Deregister(call.ID)
		return "", fmt.Errorf("dialer: create call: %w", err)
	}
	if err := d.place(ctx, call); err != nil {
		return "", err
	}
	return call.ID, nil
}

// InitiateExisting dials a call record that was created ahead of time, as the
// scheduler does for scheduled calls. A record whose initiation was already
// sent is a no-op, so duplicate job deliveries cannot dial twice.
func (d *Dialer) InitiateExisting(ctx context.Context, callID string) error {
	call, err := d.store.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("dialer: call %s: %w", callID, err)
	}
	if call.Status.Terminal() {
		return fmt.Errorf("%w: call %s is %s", ErrInvalidCallState, callID, call.Status)
	}
	if call.InitiatedAt != nil {
		return nil
	}
	if _, err := d.agents.GetActive(ctx, call.AgentID); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrAgentNotFound, call.AgentID, err)
	}
	if err := d.reserve(call.ID); err != nil {
		return err
	}
	return d.place(ctx, call)
}

// place hands the call to the provider. The call record must exist and its
// capacity slot must already be reserved.
func (d *Dialer) place(ctx context.Context, call *types.Call) error {
	handle, err := d.telco.MakeCall(ctx, telephony.CallRequest{
		From:        d.cfg.FromNumber,
		To:          call.Phone,
		AppID:       d.cfg.AppID,
		CustomField: call.ID,
	})
	if err != nil {
		reason := failureFor(err)
		d.markFailed(call.ID, reason)
		d.Deregister(call.ID)
		d.log.Warn("initiation refused by provider",
			"call_id", call.ID, "reason", reason, "error", err)
		return fmt.Errorf("dialer: make call: %w", err)
	}

	initiated := d.now().UTC()
	sub := types.SubQueued
	update := store.CallUpdate{
		SubStatus:      &sub,
		ProviderCallID: &handle.SID,
		InitiatedAt:    &initiated,
	}
	if _, err := d.store.UpdateCall(ctx, call.ID, update); err != nil {
		d.log.Warn("recording provider call id failed",
			"call_id", call.ID, "provider_call_id", handle.SID, "error", err)
	}

	d.metrics.RecordCallStarted(ctx, string(types.DirectionOutbound))
	d.log.Info("outbound call initiated",
		"call_id", call.ID,
		"provider_call_id", handle.SID,
		"agent_id", call.AgentID,
		"retry_count", call.RetryCount,
	)
	return nil
}

// Cancel aborts a call that has not been answered yet. Calls past ringing
// (or already terminal) return ErrInvalidCallState.
func (d *Dialer) Cancel(ctx context.Context, callID string) error {
	call, err := d.store.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("dialer: call %s: %w", callID, err)
	}
	if call.Status != types.StatusInitiated && call.Status != types.StatusRinging {
		return fmt.Errorf("%w: call %s is %s", ErrInvalidCallState, callID, call.Status)
	}

	if call.ProviderCallID != "" {
		if err := d.telco.Hangup(ctx, call.ProviderCallID); err != nil {
			// The provider may have already torn the call down; the
			// record is marked canceled either way.
			d.log.Warn("hangup failed", "call_id", callID, "error", err)
		}
	}

	status := types.StatusCanceled
	reason := types.FailureCanceled
	ended := d.now().UTC()
	if _, err := d.store.UpdateCall(ctx, callID, store.CallUpdate{
		Status:        &status,
		FailureReason: &reason,
		EndedAt:       &ended,
	}); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
		return fmt.Errorf("dialer: cancel call %s: %w", callID, err)
	}
	d.Deregister(callID)
	d.log.Info("outbound call canceled", "call_id", callID)
	return nil
}

// BulkItem is the per-request outcome of a bulk batch.
type BulkItem struct {
	Index  int    `json:"index"`
	CallID string `json:"callId,omitempty"`
	Error  string `json:"error,omitempty"`

	err error
}

// Err returns the initiation error for this item, if any.
func (it BulkItem) Err() error { return it.err }

// Bulk initiates up to MaxBulk calls with a minimum gap between consecutive
// initiations. Individual failures are reported per item; the batch itself
// only fails when it is oversized. A canceled context marks the remaining
// items with the context error and returns early.
func (d *Dialer) Bulk(ctx context.Context, reqs []Request) ([]BulkItem, error) {
	if len(reqs) > MaxBulk {
		return nil, fmt.Errorf("%w: %d requests, max %d", ErrBulkTooLarge, len(reqs), MaxBulk)
	}

	items := make([]BulkItem, len(reqs))
	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for i, req := range reqs {
		if i > 0 {
			timer.Reset(d.cfg.BulkGap)
			select {
			case <-ctx.Done():
				for j := i; j < len(reqs); j++ {
					items[j] = BulkItem{Index: j, Error: ctx.Err().Error(), err: ctx.Err()}
				}
				return items, nil
			case <-timer.C:
			}
		}
		id, err := d.Initiate(ctx, req)
		items[i] = BulkItem{Index: i, CallID: id, err: err}
		if err != nil {
			items[i].Error = err.Error()
		}
	}
	return items, nil
}

// Deregister removes callID from the active map, typically when the webhook
// dispatcher sees a terminal status. Unknown IDs are a no-op.
func (d *Dialer) Deregister(callID string) {
	d.mu.Lock()
	_, ok := d.active[callID]
	delete(d.active, callID)
	d.mu.Unlock()
	if ok {
		d.metrics.ActiveOutbound.Add(context.Background(), -1)
	}
}

// ActiveCount returns the number of tracked in-flight outbound calls.
func (d *Dialer) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Sweep drops active-map entries older than SweepAge. These are calls whose
// terminal webhook never arrived; without the sweep they would hold capacity
// forever. Returns the number of entries dropped.
func (d *Dialer) Sweep() int {
	cutoff := d.now().Add(-d.cfg.SweepAge)

	d.mu.Lock()
	var stale []string
	for id, at := range d.active {
		if at.Before(cutoff) {
			stale = append(stale, id)
			delete(d.active, id)
		}
	}
	d.mu.Unlock()

	for _, id := range stale {
		d.metrics.ActiveOutbound.Add(context.Background(), -1)
		d.log.Warn("swept stale active call", "call_id", id)
	}
	return len(stale)
}

// RunSweeper sweeps periodically until ctx is canceled.
func (d *Dialer) RunSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// reserve claims an active-map slot for callID before the provider request
// goes out, so concurrent initiations cannot overshoot the cap.
func (d *Dialer) reserve(callID string) error {
	cutoff := d.now().Add(-d.cfg.SweepAge)

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, at := range d.active {
		if at.Before(cutoff) {
			delete(d.active, id)
			d.metrics.ActiveOutbound.Add(context.Background(), -1)
		}
	}
	if len(d.active) >= d.cfg.MaxConcurrentOutbound {
		return fmt.Errorf("%w: %d active", ErrConcurrentLimit, len(d.active))
	}
	d.active[callID] = d.now()
	d.metrics.ActiveOutbound.Add(context.Background(), 1)
	return nil
}

// markFailed closes the call record after a provider refusal. Best effort:
// the initiation error is what the caller sees.
func (d *Dialer) markFailed(callID string, reason types.FailureReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := types.StatusFailed
	ended := d.now().UTC()
	if _, err := d.store.UpdateCall(ctx, callID, store.CallUpdate{
		Status:        &status,
		FailureReason: &reason,
		EndedAt:       &ended,
	}); err != nil {
		d.log.Error("marking call failed", "call_id", callID, "error", err)
	}
}

// failureFor maps a provider initiation error to a call failure reason.
func failureFor(err error) types.FailureReason {
	switch {
	case errors.Is(err, telephony.ErrRateLimited):
		return types.FailureRateLimited
	case errors.Is(err, telephony.ErrAPIUnavailable):
		return types.FailureAPIUnavailable
	case errors.Is(err, telephony.ErrNetwork):
		return types.FailureNetworkError
	default:
		return types.FailureRejected
	}
}
