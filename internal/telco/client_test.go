package telco

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vocalix/vocalix/pkg/telephony"
)

// fastConfig returns a Config pointed at srv with throttling effectively
// disabled so tests run instantly.
func fastConfig(srv *httptest.Server) Config {
	return Config{
		BaseURL:           srv.URL,
		APIKey:            "key",
		APISecret:         "secret",
		RequestsPerSecond: 10000,
		Burst:             10000,
		MinRequestGap:     time.Microsecond,
		MaxInFlight:       100,
		BreakerFailures:   5,
		BreakerCooldown:   50 * time.Millisecond,
		HTTPClient:        srv.Client(),
	}
}

func newClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestMakeCall(t *testing.T) {
	var gotReq telephony.CallRequest
	var gotAuthUser, gotAuthPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/calls" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuthUser, gotAuthPass, _ = r.BasicAuth()
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(telephony.CallHandle{SID: "CA123", Status: telephony.StatusQueued})
	}))
	defer srv.Close()

	c := newClient(t, fastConfig(srv))
	handle, err := c.MakeCall(context.Background(), telephony.CallRequest{
		From:        "+14155550100",
		To:          "+14155550101",
		AppID:       "app-1",
		CustomField: "call_01ABC",
	})
	if err != nil {
		t.Fatalf("MakeCall: %v", err)
	}
	if handle.SID != "CA123" || handle.Status != telephony.StatusQueued {
		t.Errorf("handle = %+v", handle)
	}
	if gotReq.CustomField != "call_01ABC" {
		t.Errorf("custom field = %q, want call_01ABC", gotReq.CustomField)
	}
	if gotAuthUser != "key" || gotAuthPass != "secret" {
		t.Errorf("basic auth = %q/%q", gotAuthUser, gotAuthPass)
	}
}

func TestHangupAndDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/calls/CA1":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/calls/CA1":
			json.NewEncoder(w).Encode(telephony.CallDetails{
				SID: "CA1", Status: telephony.StatusCompleted, Direction: "outbound", Duration: 42,
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newClient(t, fastConfig(srv))
	ctx := context.Background()

	if err := c.Hangup(ctx, "CA1"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	details, err := c.GetDetails(ctx, "CA1")
	if err != nil {
		t.Fatalf("GetDetails: %v", err)
	}
	if details.Status != telephony.StatusCompleted || details.Duration != 42 {
		t.Errorf("details = %+v", details)
	}
}

func TestGetRecordingURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/calls/CA1/recording":
			json.NewEncoder(w).Encode(map[string]string{"url": "https://rec.example.com/CA1.wav"})
		case "/calls/CA2/recording":
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newClient(t, fastConfig(srv))
	ctx := context.Background()

	got, err := c.GetRecordingURL(ctx, "CA1")
	if err != nil {
		t.Fatalf("GetRecordingURL: %v", err)
	}
	if got != "https://rec.example.com/CA1.wav" {
		t.Errorf("url = %q", got)
	}

	// A 404 means no recording, not an error.
	got, err = c.GetRecordingURL(ctx, "CA2")
	if err != nil {
		t.Fatalf("GetRecordingURL without recording: %v", err)
	}
	if got != "" {
		t.Errorf("url = %q, want empty", got)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, telephony.ErrAuth},
		{http.StatusTooManyRequests, telephony.ErrRateLimited},
		{http.StatusInternalServerError, telephony.ErrNetwork},
		{http.StatusBadGateway, telephony.ErrNetwork},
		{http.StatusBadRequest, telephony.ErrProvider},
		{http.StatusUnprocessableEntity, telephony.ErrProvider},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := newClient(t, fastConfig(srv))
			_, err := c.MakeCall(context.Background(), telephony.CallRequest{To: "+14155550101"})
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTransportErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	cfg := fastConfig(srv)
	srv.Close() // refuse connections

	c := newClient(t, cfg)
	_, err := c.MakeCall(context.Background(), telephony.CallRequest{To: "+14155550101"})
	if !errors.Is(err, telephony.ErrNetwork) {
		t.Errorf("got %v, want ErrNetwork", err)
	}
}

func TestBreakerOpensAfterConsecutiveNetworkFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newClient(t, fastConfig(srv))
	ctx := context.Background()

	for range 5 {
		if _, err := c.MakeCall(ctx, telephony.CallRequest{}); !errors.Is(err, telephony.ErrNetwork) {
			t.Fatalf("warm-up failure: got %v, want ErrNetwork", err)
		}
	}

	// The sixth request fails fast without reaching the server.
	before := hits.Load()
	_, err := c.MakeCall(ctx, telephony.CallRequest{})
	if !errors.Is(err, telephony.ErrAPIUnavailable) {
		t.Fatalf("with open breaker: got %v, want ErrAPIUnavailable", err)
	}
	if hits.Load() != before {
		t.Error("request reached the server while breaker open")
	}
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(telephony.CallHandle{SID: "CA1", Status: telephony.StatusQueued})
	}))
	defer srv.Close()

	c := newClient(t, fastConfig(srv))
	ctx := context.Background()

	for range 5 {
		c.MakeCall(ctx, telephony.CallRequest{}) //nolint:errcheck
	}
	if _, err := c.MakeCall(ctx, telephony.CallRequest{}); !errors.Is(err, telephony.ErrAPIUnavailable) {
		t.Fatalf("breaker did not open: %v", err)
	}

	// After the cooldown the half-open probe succeeds and the breaker closes.
	fail.Store(false)
	time.Sleep(60 * time.Millisecond)

	if _, err := c.MakeCall(ctx, telephony.CallRequest{}); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if _, err := c.MakeCall(ctx, telephony.CallRequest{}); err != nil {
		t.Fatalf("after recovery: %v", err)
	}
}

func TestProviderErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad number", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newClient(t, fastConfig(srv))
	ctx := context.Background()

	for range 10 {
		if _, err := c.MakeCall(ctx, telephony.CallRequest{}); !errors.Is(err, telephony.ErrProvider) {
			t.Fatalf("got %v, want ErrProvider", err)
		}
	}
	// Still reaching the server; 4xx responses never open the breaker.
	if _, err := c.MakeCall(ctx, telephony.CallRequest{}); errors.Is(err, telephony.ErrAPIUnavailable) {
		t.Error("breaker opened on provider-level errors")
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Error("expected error for missing base url")
	}
}
