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
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// SetupConfig configures [Setup].
type SetupConfig struct {
	// ServiceName defaults to "kokoro".
	ServiceName    string
	ServiceVersion string

	// SpanExporter receives finished spans. Nil records spans without
	// exporting them, which still gives log lines a trace id.
	SpanExporter sdktrace.SpanExporter

	// SampleRatio is the fraction of new root traces that are sampled.
	// Zero samples everything. Incoming sampled parents are always honoured.
	SampleRatio float64

	// Registerer receives the Prometheus collector. Nil uses
	// [prometheus.DefaultRegisterer], which promhttp.Handler serves.
	Registerer prometheus.Registerer
}

// Telemetry is the process-wide OpenTelemetry wiring installed by [Setup].
type Telemetry struct {
	// Metrics is bound to the Prometheus-backed meter provider.
	Metrics *Metrics

	meters  *sdkmetric.MeterProvider
	tracers *sdktrace.TracerProvider
}

// Setup installs global meter and tracer providers plus the W3C trace
// context propagator, and returns the instruments bound to them. Call
// [Telemetry.Shutdown] before exit to flush exporters.
func Setup(ctx context.Context, cfg SetupConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "kokoro"
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("observe: sample ratio %.2f is out of range [0, 1]", cfg.SampleRatio)
	}

	// Schemaless, so the merge never conflicts with the SDK default's schema.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	exporter, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.SpanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.SpanExporter))
	}

	t := &Telemetry{
		meters:  sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter)),
		tracers: sdktrace.NewTracerProvider(tpOpts...),
	}
	if t.Metrics, err = NewMetrics(t.meters); err != nil {
		return nil, errors.Join(err, t.Shutdown(ctx))
	}

	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.tracers)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return t, nil
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracers.Shutdown(ctx), t.meters.Shutdown(ctx))
}
