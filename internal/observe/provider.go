package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is reported as service.name. Default: "visitorparse".
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// SampleRatio is the fraction of new root traces that are sampled.
	// Traces continued from an incoming traceparent follow the caller's
	// decision. Nil samples everything.
	SampleRatio *float64

	// TraceExporter receives finished spans. Nil keeps spans in-process
	// only, which still gives every request a trace ID for correlation.
	TraceExporter sdktrace.SpanExporter

	// Registerer receives the Prometheus collector behind /metrics.
	// Default: [prometheus.DefaultRegisterer].
	Registerer prometheus.Registerer
}

// Telemetry owns the SDK providers installed by [InitProvider].
type Telemetry struct {
	Meters  *sdkmetric.MeterProvider
	Tracers *sdktrace.TracerProvider
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracers.Shutdown(ctx), t.Meters.Shutdown(ctx))
}

// InitProvider builds the meter and tracer providers, installs them as the
// OTel globals together with the W3C trace-context propagator, and returns
// them for shutdown.
func InitProvider(_ context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "visitorparse"
	}
	if r := cfg.SampleRatio; r != nil && (*r < 0 || *r > 1) {
		return nil, fmt.Errorf("observe: sample ratio must be within [0, 1], got %g", *r)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	var expOpts []promexporter.Option
	if cfg.Registerer != nil {
		expOpts = append(expOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	reader, err := promexporter.New(expOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio != nil {
		sampler = sdktrace.TraceIDRatioBased(*cfg.SampleRatio)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}

	tel := &Telemetry{
		Meters:  sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)),
		Tracers: sdktrace.NewTracerProvider(tpOpts...),
	}
	otel.SetMeterProvider(tel.Meters)
	otel.SetTracerProvider(tel.Tracers)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tel, nil
}
