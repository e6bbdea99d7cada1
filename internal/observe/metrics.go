// Package observe provides application-wide observability primitives for
// visitorparse: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all visitorparse metrics.
const meterName = "github.com/MrWong99/visitorparse"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ParseDuration tracks end-to-end latency of a parse request.
	ParseDuration metric.Float64Histogram

	// LLMDuration tracks extraction model latency.
	LLMDuration metric.Float64Histogram

	// DirectoryFetchDuration tracks remote directory fetch latency. Use with
	// attribute:
	//   attribute.String("outcome", ...)
	DirectoryFetchDuration metric.Float64Histogram

	// Confidence tracks the distribution of overall reconciliation confidence.
	Confidence metric.Float64Histogram

	// --- Counters ---

	// ParseRequests counts parse outcomes. Use with attribute:
	//   attribute.String("status", "success"|"partial"|"error")
	ParseRequests metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CacheResults counts directory cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss"|"shared")
	CacheResults metric.Int64Counter

	// AuthAttempts counts authentications against the remote service. Use
	// with attribute:
	//   attribute.String("status", "ok"|"error")
	AuthAttempts metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// InFlightParses tracks the number of parse requests being processed.
	InFlightParses metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for model
// and remote-call latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

var confidenceBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ParseDuration, err = m.Float64Histogram("visitorparse.parse.duration",
		metric.WithDescription("Latency of a full parse request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("visitorparse.llm.duration",
		metric.WithDescription("Latency of extraction model calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DirectoryFetchDuration, err = m.Float64Histogram("visitorparse.directory.fetch.duration",
		metric.WithDescription("Latency of remote building directory fetches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Confidence, err = m.Float64Histogram("visitorparse.confidence",
		metric.WithDescription("Overall confidence of reconciled registrations."),
		metric.WithExplicitBucketBoundaries(confidenceBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ParseRequests, err = m.Int64Counter("visitorparse.parse.requests",
		metric.WithDescription("Total parse requests by outcome status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("visitorparse.provider.requests",
		metric.WithDescription("Total provider API requests."),
	); err != nil {
		return nil, err
	}
	if met.CacheResults, err = m.Int64Counter("visitorparse.directory.cache",
		metric.WithDescription("Directory cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.AuthAttempts, err = m.Int64Counter("visitorparse.auth.attempts",
		metric.WithDescription("Authentications against the directory service."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("visitorparse.provider.errors",
		metric.WithDescription("Total provider errors."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("visitorparse.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.InFlightParses, err = m.Int64UpDownCounter("visitorparse.parse.in_flight",
		metric.WithDescription("Number of parse requests currently in progress."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("visitorparse.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordParse records the outcome, latency and confidence of one parse
// request. Confidence is only recorded for non-error outcomes.
func (m *Metrics) RecordParse(ctx context.Context, status string, d time.Duration, confidence float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.ParseRequests.Add(ctx, 1, attrs)
	m.ParseDuration.Record(ctx, d.Seconds(), attrs)
	if status != "error" {
		m.Confidence.Record(ctx, confidence)
	}
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

// RecordCacheResult records one directory cache lookup.
func (m *Metrics) RecordCacheResult(ctx context.Context, result string) {
	m.CacheResults.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordAuthAttempt records one authentication against the remote service.
func (m *Metrics) RecordAuthAttempt(ctx context.Context, status string) {
	m.AuthAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordDirectoryFetch records the latency and outcome of a remote directory
// fetch.
func (m *Metrics) RecordDirectoryFetch(ctx context.Context, d time.Duration, outcome string) {
	m.DirectoryFetchDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordBreakerTransition records a circuit breaker moving into state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
