package dialer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vocalix/vocalix/pkg/store"
	storemock "github.com/vocalix/vocalix/pkg/store/mock"
	"github.com/vocalix/vocalix/pkg/telephony"
	telcomock "github.com/vocalix/vocalix/pkg/telephony/mock"
	"github.com/vocalix/vocalix/pkg/types"
)

type agentsStub struct {
	err error
}

func (a agentsStub) GetActive(_ context.Context, id string) (*types.Agent, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &types.Agent{ID: id, Active: true}, nil
}

func newDialer(t *testing.T, cfg Config) (*Dialer, *storemock.Store, *telcomock.Provider) {
	t.Helper()
	st := storemock.New()
	telco := &telcomock.Provider{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.FromNumber == "" {
		cfg.FromNumber = "+4930111111"
	}
	if cfg.AppID == "" {
		cfg.AppID = "app-test"
	}
	d := New(st, agentsStub{}, telco, cfg, nil, logger)
	return d, st, telco
}

func TestInitiate_CreatesAndPlacesCall(t *testing.T) {
	d, st, telco := newDialer(t, Config{})

	id, err := d.Initiate(context.Background(), Request{
		Phone:    "+4915212345678",
		AgentID:  "agent_1",
		Metadata: map[string]any{"campaign": "q3"},
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if !strings.HasPrefix(id, "call_") {
		t.Errorf("call id = %q, want call_ prefix", id)
	}

	call, err := st.GetCall(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if call.Direction != types.DirectionOutbound {
		t.Errorf("direction = %s", call.Direction)
	}
	if call.Status != types.StatusInitiated {
		t.Errorf("status = %s", call.Status)
	}
	if call.SubStatus != types.SubQueued {
		t.Errorf("sub-status = %s", call.SubStatus)
	}
	if call.ProviderCallID != "sid-1" {
		t.Errorf("provider call id = %q", call.ProviderCallID)
	}
	if call.InitiatedAt == nil {
		t.Error("InitiatedAt not set")
	}
	if call.Metadata["campaign"] != "q3" {
		t.Errorf("metadata = %v", call.Metadata)
	}

	if got := len(telco.MakeCallCalls); got != 1 {
		t.Fatalf("MakeCall calls = %d, want 1", got)
	}
	req := telco.MakeCallCalls[0].Req
	if req.To != "+4915212345678" || req.CustomField != id || req.AppID != "app-test" {
		t.Errorf("provider request = %+v", req)
	}
	if got := d.ActiveCount(); got != 1 {
		t.Errorf("active count = %d, want 1", got)
	}
}

func TestInitiate_InvalidPhone(t *testing.T) {
	d, _, telco := newDialer(t, Config{})

	for _, phone := range []string{"", "015212345678", "+0521234", "+49 152 123"} {
		if _, err := d.Initiate(context.Background(), Request{Phone: phone, AgentID: "agent_1"}); !errors.Is(err, ErrInvalidPhone) {
			t.Errorf("Initiate(%q) err = %v, want ErrInvalidPhone", phone, err)
		}
	}
	if len(telco.MakeCallCalls) != 0 {
		t.Error("provider called despite invalid phone")
	}
}

func TestInitiate_AgentNotFound(t *testing.T) {
	st := storemock.New()
	telco := &telcomock.Provider{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(st, agentsStub{err: errors.New("agent: missing")}, telco, Config{}, nil, logger)

	_, err := d.Initiate(context.Background(), Request{Phone: "+4915212345678", AgentID: "nope"})
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("err = %v, want ErrAgentNotFound", err)
	}
	if len(telco.MakeCallCalls) != 0 {
		t.Error("provider called despite unknown agent")
	}
}

func TestInitiate_ConcurrentLimit(t *testing.T) {
	d, _, _ := newDialer(t, Config{MaxConcurrentOutbound: 1})

	if _, err := d.Initiate(context.Background(), Request{Phone: "+4915212345678", AgentID: "a"}); err != nil {
		t.Fatalf("first Initiate: %v", err)
	}
	_, err := d.Initiate(context.Background(), Request{Phone: "+4915212345679", AgentID: "a"})
	if !errors.Is(err, ErrConcurrentLimit) {
		t.Errorf("err = %v, want ErrConcurrentLimit", err)
	}
}

func TestInitiate_ProviderRefusalMarksFailed(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason types.FailureReason
	}{
		{"rate limited", telephony.ErrRateLimited, types.FailureRateLimited},
		{"circuit open", telephony.ErrAPIUnavailable, types.FailureAPIUnavailable},
		{"network", telephony.ErrNetwork, types.FailureNetworkError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, st, telco := newDialer(t, Config{})
			telco.MakeCallErr = tt.err

			_, err := d.Initiate(context.Background(), Request{Phone: "+4915212345678", AgentID: "a"})
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}

			calls, _ := st.ListCalls(context.Background(), store.CallFilter{})
			if len(calls) != 1 {
				t.Fatalf("calls = %d, want 1", len(calls))
			}
			call := calls[0]
			if call.Status != types.StatusFailed || call.FailureReason != tt.reason {
				t.Errorf("call = %s/%s, want failed/%s", call.Status, call.FailureReason, tt.reason)
			}
			if call.EndedAt == nil {
				t.Error("EndedAt not set")
			}
			if got := d.ActiveCount(); got != 0 {
				t.Errorf("active count = %d, want 0", got)
			}
		})
	}
}

func TestInitiate_RetryLineage(t *testing.T) {
	d, st, _ := newDialer(t, Config{})
	parent := &types.Call{
		ID:         "call_parent",
		Direction:  types.DirectionOutbound,
		Phone:      "+4915212345678",
		AgentID:    "a",
		Status:     types.StatusFailed,
		RetryCount: 1,
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.CreateCall(context.Background(), parent); err != nil {
		t.Fatal(err)
	}

	id, err := d.Initiate(context.Background(), Request{
		Phone:        "+4915212345678",
		AgentID:      "a",
		ParentCallID: "call_parent",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	call, _ := st.GetCall(context.Background(), id)
	if call.RetryOf != "call_parent" {
		t.Errorf("RetryOf = %q", call.RetryOf)
	}
	if call.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", call.RetryCount)
	}
}

func TestInitiate_UnknownParent(t *testing.T) {
	d, _, telco := newDialer(t, Config{})
	_, err := d.Initiate(context.Background(), Request{
		Phone:        "+4915212345678",
		AgentID:      "a",
		ParentCallID: "call_missing",
	})
	if err == nil {
		t.Fatal("expected error for unknown parent")
	}
	if len(telco.MakeCallCalls) != 0 {
		t.Error("provider called despite unknown parent")
	}
}

func TestInitiateExisting(t *testing.T) {
	d, st, telco := newDialer(t, Config{})
	due := time.Now().Add(time.Hour).UTC()
	call := &types.Call{
		ID:           "call_pre",
		Direction:    types.DirectionOutbound,
		Phone:        "+4915212345678",
		AgentID:      "a",
		Status:       types.StatusInitiated,
		ScheduledFor: &due,
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.CreateCall(context.Background(), call); err != nil {
		t.Fatal(err)
	}

	if err := d.InitiateExisting(context.Background(), "call_pre"); err != nil {
		t.Fatalf("InitiateExisting: %v", err)
	}
	got, _ := st.GetCall(context.Background(), "call_pre")
	if got.ProviderCallID != "sid-1" || got.InitiatedAt == nil {
		t.Errorf("call = %+v", got)
	}
	if telco.MakeCallCalls[0].Req.CustomField != "call_pre" {
		t.Errorf("custom field = %q", telco.MakeCallCalls[0].Req.CustomField)
	}

	// A second delivery of the same job must not dial again.
	if err := d.InitiateExisting(context.Background(), "call_pre"); err != nil {
		t.Fatalf("duplicate InitiateExisting: %v", err)
	}
	if got := len(telco.MakeCallCalls); got != 1 {
		t.Errorf("MakeCall calls = %d, want 1", got)
	}
}

func TestInitiateExisting_TerminalCall(t *testing.T) {
	d, st, _ := newDialer(t, Config{})
	call := &types.Call{
		ID:        "call_done",
		Direction: types.DirectionOutbound,
		Phone:     "+4915212345678",
		AgentID:   "a",
		Status:    types.StatusCanceled,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateCall(context.Background(), call); err != nil {
		t.Fatal(err)
	}

	if err := d.InitiateExisting(context.Background(), "call_done"); !errors.Is(err, ErrInvalidCallState) {
		t.Errorf("err = %v, want ErrInvalidCallState", err)
	}
}

func TestCancel(t *testing.T) {
	d, st, telco := newDialer(t, Config{})
	id, err := d.Initiate(context.Background(), Request{Phone: "+4915212345678", AgentID: "a"})
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	call, _ := st.GetCall(context.Background(), id)
	if call.Status != types.StatusCanceled {
		t.Errorf("status = %s, want canceled", call.Status)
	}
	if call.EndedAt == nil {
		t.Error("EndedAt not set")
	}
	if len(telco.HangupCalls) != 1 || telco.HangupCalls[0] != "sid-1" {
		t.Errorf("hangup calls = %v", telco.HangupCalls)
	}
	if got := d.ActiveCount(); got != 0 {
		t.Errorf("active count = %d, want 0", got)
	}

	// Already terminal now.
	if err := d.Cancel(context.Background(), id); !errors.Is(err, ErrInvalidCallState) {
		t.Errorf("second Cancel err = %v, want ErrInvalidCallState", err)
	}
}

func TestCancel_InProgress(t *testing.T) {
	d, st, _ := newDialer(t, Config{})
	id, err := d.Initiate(context.Background(), Request{Phone: "+4915212345678", AgentID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	status := types.StatusInProgress
	if _, err := st.UpdateCall(context.Background(), id, store.CallUpdate{Status: &status}); err != nil {
		t.Fatal(err)
	}

	if err := d.Cancel(context.Background(), id); !errors.Is(err, ErrInvalidCallState) {
		t.Errorf("err = %v, want ErrInvalidCallState", err)
	}
}

func TestCancel_HangupFailureStillCancels(t *testing.T) {
	d, st, telco := newDialer(t, Config{})
	id, err := d.Initiate(context.Background(), Request{Phone: "+4915212345678", AgentID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	telco.HangupErr = telephony.ErrNetwork

	if err := d.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	call, _ := st.GetCall(context.Background(), id)
	if call.Status != types.StatusCanceled {
		t.Errorf("status = %s, want canceled", call.Status)
	}
}

func TestBulk(t *testing.T) {
	d, _, telco := newDialer(t, Config{BulkGap: time.Millisecond})

	items, err := d.Bulk(context.Background(), []Request{
		{Phone: "+4915212345678", AgentID: "a"},
		{Phone: "not-a-number", AgentID: "a"},
		{Phone: "+4915212345680", AgentID: "a"},
	})
	if err != nil {
		t.Fatalf("Bulk: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	if items[0].CallID == "" || items[0].Err() != nil {
		t.Errorf("item 0 = %+v", items[0])
	}
	if !errors.Is(items[1].Err(), ErrInvalidPhone) || items[1].Error == "" {
		t.Errorf("item 1 = %+v", items[1])
	}
	if items[2].CallID == "" || items[2].Err() != nil {
		t.Errorf("item 2 = %+v", items[2])
	}
	if got := len(telco.MakeCallCalls); got != 2 {
		t.Errorf("MakeCall calls = %d, want 2", got)
	}
}

func TestBulk_TooLarge(t *testing.T) {
	d, _, _ := newDialer(t, Config{})
	if _, err := d.Bulk(context.Background(), make([]Request, MaxBulk+1)); !errors.Is(err, ErrBulkTooLarge) {
		t.Errorf("err = %v, want ErrBulkTooLarge", err)
	}
}

func TestBulk_CanceledContextMarksRemainder(t *testing.T) {
	d, _, _ := newDialer(t, Config{BulkGap: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan []BulkItem, 1)
	go func() {
		items, _ := d.Bulk(ctx, []Request{
			{Phone: "+4915212345678", AgentID: "a"},
			{Phone: "+4915212345679", AgentID: "a"},
		})
		done <- items
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	items := <-done
	if items[0].Err() != nil {
		t.Errorf("item 0 err = %v", items[0].Err())
	}
	if !errors.Is(items[1].Err(), context.Canceled) {
		t.Errorf("item 1 err = %v, want context.Canceled", items[1].Err())
	}
}

func TestSweep_DropsStaleEntries(t *testing.T) {
	d, _, _ := newDialer(t, Config{})
	if _, err := d.Initiate(context.Background(), Request{Phone: "+4915212345678", AgentID: "a"}); err != nil {
		t.Fatal(err)
	}

	if got := d.Sweep(); got != 0 {
		t.Errorf("fresh sweep dropped %d entries", got)
	}
	d.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if got := d.Sweep(); got != 1 {
		t.Errorf("stale sweep dropped %d entries, want 1", got)
	}
	if got := d.ActiveCount(); got != 0 {
		t.Errorf("active count = %d, want 0", got)
	}
}

func TestDeregister(t *testing.T) {
	d, _, _ := newDialer(t, Config{})
	id, err := d.Initiate(context.Background(), Request{Phone: "+4915212345678", AgentID: "a"})
	if err != nil {
		t.Fatal(err)
	}

	d.Deregister(id)
	if got := d.ActiveCount(); got != 0 {
		t.Errorf("active count = %d, want 0", got)
	}
	d.Deregister("call_unknown") // no-op
}
