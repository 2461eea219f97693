package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	storemock "github.com/vocalix/vocalix/pkg/store/mock"
	"github.com/vocalix/vocalix/pkg/telephony"
	"github.com/vocalix/vocalix/pkg/types"
)

type retryStub struct {
	mu        sync.Mutex
	scheduled []types.FailureReason
	resolved  []string
}

func (r *retryStub) ScheduleRetry(_ context.Context, _ string, reason types.FailureReason) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, reason)
	return "retry_1", nil
}

func (r *retryStub) ResolveAttempt(_ context.Context, call *types.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, call.ID)
	return nil
}

type activeStub struct {
	mu           sync.Mutex
	deregistered []string
}

func (a *activeStub) Deregister(callID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deregistered = append(a.deregistered, callID)
}

type fixture struct {
	d      *Dispatcher
	store  *storemock.Store
	retry  *retryStub
	active *activeStub
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := storemock.New()
	rs := &retryStub{}
	ac := &activeStub{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		d:      New(st, rs, ac, cfg, nil, logger),
		store:  st,
		retry:  rs,
		active: ac,
	}
}

func (f *fixture) seedOutbound(t *testing.T, id, sid string) *types.Call {
	t.Helper()
	call := &types.Call{
		ID:             id,
		Direction:      types.DirectionOutbound,
		Phone:          "+4915212345678",
		AgentID:        "agent_1",
		Status:         types.StatusInitiated,
		ProviderCallID: sid,
		CreatedAt:      time.Now().UTC(),
	}
	if err := f.store.CreateCall(context.Background(), call); err != nil {
		t.Fatal(err)
	}
	return call
}

func handle(t *testing.T, f *fixture, ev telephony.StatusEvent) {
	t.Helper()
	if err := f.d.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle(%s): %v", ev.CallStatus, err)
	}
}

func TestHandle_LifecycleProgression(t *testing.T) {
	f := newFixture(t, Config{AutoRetry: true})
	f.seedOutbound(t, "call_1", "sid-1")

	handle(t, f, telephony.StatusEvent{CallSid: "sid-1", CallStatus: telephony.StatusRinging})
	call, _ := f.store.GetCall(context.Background(), "call_1")
	if call.Status != types.StatusRinging || call.SubStatus != types.SubRinging {
		t.Errorf("after ringing: %s/%s", call.Status, call.SubStatus)
	}

	handle(t, f, telephony.StatusEvent{CallSid: "sid-1", CallStatus: telephony.StatusInProgress})
	call, _ = f.store.GetCall(context.Background(), "call_1")
	if call.Status != types.StatusInProgress || call.StartedAt == nil {
		t.Errorf("after in-progress: %s started=%v", call.Status, call.StartedAt)
	}

	handle(t, f, telephony.StatusEvent{
		CallSid:      "sid-1",
		CallStatus:   telephony.StatusCompleted,
		CallDuration: 42,
		RecordingUrl: "https://recordings.example.com/sid-1.wav",
	})
	call, _ = f.store.GetCall(context.Background(), "call_1")
	if call.Status != types.StatusCompleted || call.EndedAt == nil {
		t.Errorf("after completed: %s ended=%v", call.Status, call.EndedAt)
	}
	if call.Duration != 42*time.Second {
		t.Errorf("duration = %s, want 42s", call.Duration)
	}
	if call.RecordingURL != "https://recordings.example.com/sid-1.wav" {
		t.Errorf("recording = %q", call.RecordingURL)
	}
	if len(f.active.deregistered) != 1 || f.active.deregistered[0] != "call_1" {
		t.Errorf("deregistered = %v", f.active.deregistered)
	}
	if len(f.retry.scheduled) != 0 {
		t.Errorf("completed call scheduled retries: %v", f.retry.scheduled)
	}
}

func TestHandle_LocateByCustomField(t *testing.T) {
	f := newFixture(t, Config{})
	call := f.seedOutbound(t, "call_1", "")

	handle(t, f, telephony.StatusEvent{
		CallSid:     "sid-new",
		CallStatus:  telephony.StatusRinging,
		CustomField: call.ID,
	})
	stored, _ := f.store.GetCall(context.Background(), "call_1")
	if stored.Status != types.StatusRinging {
		t.Errorf("status = %s, want ringing", stored.Status)
	}
	if stored.ProviderCallID != "sid-new" {
		t.Errorf("provider call id = %q, want backfilled sid-new", stored.ProviderCallID)
	}
}

func TestHandle_TerminalFailureSchedulesRetry(t *testing.T) {
	tests := []struct {
		provider string
		reason   types.FailureReason
		sub      types.SubStatus
	}{
		{telephony.StatusNoAnswer, types.FailureNoAnswer, types.SubNoAnswer},
		{telephony.StatusBusy, types.FailureBusy, types.SubBusy},
		{telephony.StatusVoicemail, types.FailureVoicemail, types.SubVoicemail},
		{telephony.StatusFailed, types.FailureRejected, ""},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			f := newFixture(t, Config{AutoRetry: true})
			f.seedOutbound(t, "call_1", "sid-1")

			handle(t, f, telephony.StatusEvent{CallSid: "sid-1", CallStatus: tt.provider})
			call, _ := f.store.GetCall(context.Background(), "call_1")
			if call.Status != types.StatusFailed || call.FailureReason != tt.reason {
				t.Errorf("call = %s/%s, want failed/%s", call.Status, call.FailureReason, tt.reason)
			}
			if call.SubStatus != tt.sub {
				t.Errorf("sub-status = %q, want %q", call.SubStatus, tt.sub)
			}
			if len(f.retry.scheduled) != 1 || f.retry.scheduled[0] != tt.reason {
				t.Errorf("scheduled = %v, want [%s]", f.retry.scheduled, tt.reason)
			}
			if len(f.active.deregistered) != 1 {
				t.Errorf("deregistered = %v", f.active.deregistered)
			}
		})
	}
}

func TestHandle_DuplicateTerminalIsNoop(t *testing.T) {
	f := newFixture(t, Config{AutoRetry: true})
	f.seedOutbound(t, "call_1", "sid-1")

	ev := telephony.StatusEvent{CallSid: "sid-1", CallStatus: telephony.StatusNoAnswer}
	handle(t, f, ev)
	handle(t, f, ev)

	if len(f.retry.scheduled) != 1 {
		t.Errorf("retries scheduled = %d, want 1", len(f.retry.scheduled))
	}
	if len(f.active.deregistered) != 1 {
		t.Errorf("deregistrations = %d, want 1", len(f.active.deregistered))
	}
}

func TestHandle_AutoRetryDisabled(t *testing.T) {
	f := newFixture(t, Config{AutoRetry: false})
	f.seedOutbound(t, "call_1", "sid-1")

	handle(t, f, telephony.StatusEvent{CallSid: "sid-1", CallStatus: telephony.StatusNoAnswer})
	if len(f.retry.scheduled) != 0 {
		t.Errorf("scheduled = %v, want none", f.retry.scheduled)
	}
}

func TestHandle_ResolvesRetryAttempts(t *testing.T) {
	f := newFixture(t, Config{AutoRetry: true})
	call := &types.Call{
		ID:             "call_retry",
		Direction:      types.DirectionOutbound,
		Phone:          "+4915212345678",
		AgentID:        "agent_1",
		Status:         types.StatusInProgress,
		ProviderCallID: "sid-1",
		RetryOf:        "call_original",
		RetryCount:     1,
		CreatedAt:      time.Now().UTC(),
	}
	if err := f.store.CreateCall(context.Background(), call); err != nil {
		t.Fatal(err)
	}

	handle(t, f, telephony.StatusEvent{CallSid: "sid-1", CallStatus: telephony.StatusCompleted})
	if len(f.retry.resolved) != 1 || f.retry.resolved[0] != "call_retry" {
		t.Errorf("resolved = %v", f.retry.resolved)
	}
}

func TestHandle_InboundCreation(t *testing.T) {
	f := newFixture(t, Config{InboundAgentID: "agent_reception"})

	handle(t, f, telephony.StatusEvent{CallSid: "sid-in", CallStatus: telephony.StatusRinging})
	call, err := f.store.GetCallByProviderID(context.Background(), "sid-in")
	if err != nil {
		t.Fatalf("inbound call not created: %v", err)
	}
	if call.Direction != types.DirectionInbound || call.AgentID != "agent_reception" {
		t.Errorf("call = %+v", call)
	}
	if call.Status != types.StatusRinging {
		t.Errorf("status = %s, want ringing", call.Status)
	}
}

func TestHandle_UnknownCallWithoutInboundAgent(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.d.Handle(context.Background(), telephony.StatusEvent{
		CallSid:    "sid-mystery",
		CallStatus: telephony.StatusRinging,
	})
	if !errors.Is(err, ErrUnknownCall) {
		t.Errorf("err = %v, want ErrUnknownCall", err)
	}
}

func TestHandle_UnknownStatus(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedOutbound(t, "call_1", "sid-1")
	err := f.d.Handle(context.Background(), telephony.StatusEvent{
		CallSid:    "sid-1",
		CallStatus: "teleporting",
	})
	if !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("err = %v, want ErrUnknownStatus", err)
	}
}
