// Package telco is the HTTP client for the call-control provider, wrapped in
// the protections the vendor's API terms require: a token-bucket rate
// limiter, a minimum inter-request gap, an in-flight cap, and a circuit
// breaker that fails fast while the vendor is down.
//
// Error classification is part of the contract: callers route on the
// sentinel errors in pkg/telephony (auth, rate-limited, network, provider,
// api-unavailable) and never see HTTP status codes.
package telco

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/vocalix/vocalix/internal/observe"
	"github.com/vocalix/vocalix/pkg/telephony"
)

// Config tunes the client. Zero values fall back to the documented defaults.
type Config struct {
	// BaseURL is the provider's REST API root.
	BaseURL string

	// APIKey and APISecret are sent as HTTP Basic credentials.
	APIKey    string
	APISecret string

	// RequestsPerSecond and Burst shape the token bucket. Defaults: 20, 20.
	RequestsPerSecond float64
	Burst             int

	// MinRequestGap spaces consecutive requests. Default: 50ms.
	MinRequestGap time.Duration

	// MaxInFlight caps concurrent outstanding requests. Default: 10.
	MaxInFlight int

	// BreakerFailures opens the breaker after this many consecutive
	// network failures. Default: 5.
	BreakerFailures int

	// BreakerCooldown is the open-state duration before a half-open probe.
	// Default: 60s.
	BreakerCooldown time.Duration

	// RequestTimeout bounds one HTTP round trip. Default: 15s.
	RequestTimeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.MinRequestGap <= 0 {
		c.MinRequestGap = 50 * time.Millisecond
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 10
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.RequestTimeout}
	}
}

// Client implements [telephony.Provider] against the vendor's REST API.
type Client struct {
	cfg      Config
	base     *url.URL
	http     *http.Client
	limiter  *rate.Limiter
	gap      *rate.Limiter
	inflight *semaphore.Weighted
	breaker  *gobreaker.CircuitBreaker[[]byte]
	metrics  *observe.Metrics
	logger   *slog.Logger
}

var _ telephony.Provider = (*Client)(nil)

// New creates a Client. metrics and logger may be nil.
func New(cfg Config, metrics *observe.Metrics, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("telco: base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("telco: parse base url: %w", err)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "telephony",
		MaxRequests: 1, // one probe in half-open
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Only infrastructure failures trip the breaker. Auth, throttling,
		// and request-level provider rejections say nothing about vendor
		// availability.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, telephony.ErrNetwork)
		},
	})

	return &Client{
		cfg:      cfg,
		base:     base,
		http:     cfg.HTTPClient,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		gap:      rate.NewLimiter(rate.Every(cfg.MinRequestGap), 1),
		inflight: semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		breaker:  breaker,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// State exposes the breaker state for readiness checks.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// MakeCall implements [telephony.Provider].
func (c *Client) MakeCall(ctx context.Context, req telephony.CallRequest) (telephony.CallHandle, error) {
	var handle telephony.CallHandle
	body, err := c.do(ctx, http.MethodPost, "/calls", req)
	if err != nil {
		return handle, fmt.Errorf("telco: make call: %w", err)
	}
	if err := json.Unmarshal(body, &handle); err != nil {
		return handle, fmt.Errorf("telco: make call: decode response: %w", err)
	}
	return handle, nil
}

// Hangup implements [telephony.Provider].
func (c *Client) Hangup(ctx context.Context, sid string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/calls/"+url.PathEscape(sid), nil); err != nil {
		return fmt.Errorf("telco: hangup %s: %w", sid, err)
	}
	return nil
}

// GetDetails implements [telephony.Provider].
func (c *Client) GetDetails(ctx context.Context, sid string) (telephony.CallDetails, error) {
	var details telephony.CallDetails
	body, err := c.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(sid), nil)
	if err != nil {
		return details, fmt.Errorf("telco: get details %s: %w", sid, err)
	}
	if err := json.Unmarshal(body, &details); err != nil {
		return details, fmt.Errorf("telco: get details %s: decode response: %w", sid, err)
	}
	return details, nil
}

// GetRecordingURL implements [telephony.Provider]. A provider 404 means the
// call simply has no recording and returns "", nil.
func (c *Client) GetRecordingURL(ctx context.Context, sid string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(sid)+"/recording", nil)
	if err != nil {
		var httpErr *statusError
		if errors.As(err, &httpErr) && httpErr.code == http.StatusNotFound {
			return "", nil
		}
		return "", fmt.Errorf("telco: get recording url %s: %w", sid, err)
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("telco: get recording url %s: decode response: %w", sid, err)
	}
	return resp.URL, nil
}

// do runs one request through the gap limiter, the token bucket, the
// in-flight semaphore, and the breaker, in that order, and returns the
// response body on 2xx.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := c.gap.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.inflight.Release(1)

	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, payload)
	})
	if c.metrics != nil {
		c.metrics.TelephonyRequestDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", telephony.ErrAPIUnavailable)
		}
		return nil, err
	}
	return body, nil
}

// roundTrip performs the HTTP exchange and classifies the outcome.
func (c *Client) roundTrip(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	u := *c.base
	u.Path, _ = url.JoinPath(c.base.Path, path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.APIKey, c.cfg.APISecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", telephony.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", telephony.ErrNetwork, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classify(resp.StatusCode, body)
}

// statusError carries the HTTP status alongside the classification sentinel.
type statusError struct {
	code     int
	body     string
	sentinel error
}

func (e *statusError) Error() string {
	if e.body != "" {
		return fmt.Sprintf("%v: http %d: %s", e.sentinel, e.code, e.body)
	}
	return fmt.Sprintf("%v: http %d", e.sentinel, e.code)
}

func (e *statusError) Unwrap() error { return e.sentinel }

// classify maps an HTTP status to the matching sentinel: 401 is a fatal auth
// error, 429 throttling, 5xx infrastructure, anything else a provider-level
// rejection.
func classify(status int, body []byte) error {
	e := &statusError{code: status, body: truncate(string(body), 200)}
	switch {
	case status == http.StatusUnauthorized:
		e.sentinel = telephony.ErrAuth
	case status == http.StatusTooManyRequests:
		e.sentinel = telephony.ErrRateLimited
	case status >= 500:
		e.sentinel = telephony.ErrNetwork
	default:
		e.sentinel = telephony.ErrProvider
	}
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
