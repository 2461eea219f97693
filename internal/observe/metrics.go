// Package observe provides application-wide observability primitives for
// Vocalix: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vocalix metrics.
const meterName = "github.com/vocalix/vocalix"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks time from utterance end to final transcript.
	STTDuration metric.Float64Histogram

	// LLMFirstToken tracks time from prompt dispatch to the first streamed token.
	LLMFirstToken metric.Float64Histogram

	// LLMDuration tracks full LLM response latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-of-user-speech to first assistant audio.
	TurnDuration metric.Float64Histogram

	// TelephonyRequestDuration tracks call-control API round-trip latency.
	TelephonyRequestDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts calls by direction.
	CallsStarted metric.Int64Counter

	// CallsCompleted counts finished calls by terminal status.
	CallsCompleted metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// Speculations counts speculative LLM turns by outcome ("used", "discarded").
	Speculations metric.Int64Counter

	// RetriesScheduled counts retry attempts scheduled, by failure reason.
	RetriesScheduled metric.Int64Counter

	// WebhooksReceived counts provider status callbacks by mapped status.
	WebhooksReceived metric.Int64Counter

	// JobsDispatched counts scheduler job executions by kind and outcome.
	JobsDispatched metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live media sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveOutbound tracks outbound calls between initiation and a terminal status.
	ActiveOutbound metric.Int64UpDownCounter

	// STTActive tracks leased streaming STT connections.
	STTActive metric.Int64UpDownCounter

	// STTQueued tracks sessions waiting for an STT slot.
	STTQueued metric.Int64UpDownCounter

	// TTSActive tracks running synthesis tasks. Use with attribute
	// attribute.String("provider", ...).
	TTSActive metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("vocalix.stt.duration",
		metric.WithDescription("Latency from utterance end to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("vocalix.llm.first_token",
		metric.WithDescription("Latency from prompt dispatch to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("vocalix.llm.duration",
		metric.WithDescription("Latency of a full LLM response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("vocalix.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("vocalix.turn.duration",
		metric.WithDescription("Latency from end of user speech to first assistant audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TelephonyRequestDuration, err = m.Float64Histogram("vocalix.telephony.request.duration",
		metric.WithDescription("Round-trip latency of call-control API requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocalix.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("vocalix.calls.started",
		metric.WithDescription("Total calls started by direction."),
	); err != nil {
		return nil, err
	}
	if met.CallsCompleted, err = m.Int64Counter("vocalix.calls.completed",
		metric.WithDescription("Total calls finished by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("vocalix.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("vocalix.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Speculations, err = m.Int64Counter("vocalix.llm.speculations",
		metric.WithDescription("Speculative LLM turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RetriesScheduled, err = m.Int64Counter("vocalix.retries.scheduled",
		metric.WithDescription("Retry attempts scheduled by failure reason."),
	); err != nil {
		return nil, err
	}
	if met.WebhooksReceived, err = m.Int64Counter("vocalix.webhooks.received",
		metric.WithDescription("Provider status callbacks by mapped status."),
	); err != nil {
		return nil, err
	}
	if met.JobsDispatched, err = m.Int64Counter("vocalix.jobs.dispatched",
		metric.WithDescription("Scheduler job executions by kind and outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("vocalix.active_sessions",
		metric.WithDescription("Number of live media sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveOutbound, err = m.Int64UpDownCounter("vocalix.active_outbound",
		metric.WithDescription("Outbound calls between initiation and a terminal status."),
	); err != nil {
		return nil, err
	}
	if met.STTActive, err = m.Int64UpDownCounter("vocalix.stt.active",
		metric.WithDescription("Leased streaming STT connections."),
	); err != nil {
		return nil, err
	}
	if met.STTQueued, err = m.Int64UpDownCounter("vocalix.stt.queued",
		metric.WithDescription("Sessions waiting for an STT slot."),
	); err != nil {
		return nil, err
	}
	if met.TTSActive, err = m.Int64UpDownCounter("vocalix.tts.active",
		metric.WithDescription("Running synthesis tasks by provider."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCallStarted records one started call with its direction.
func (m *Metrics) RecordCallStarted(ctx context.Context, direction string) {
	m.CallsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordCallCompleted records one finished call with its terminal status.
func (m *Metrics) RecordCallCompleted(ctx context.Context, status string) {
	m.CallsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSpeculation records one speculative LLM turn with its outcome
// ("used" or "discarded").
func (m *Metrics) RecordSpeculation(ctx context.Context, outcome string) {
	m.Speculations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
