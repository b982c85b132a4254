// Package observe wires kokoro's telemetry: OpenTelemetry instruments
// exported to Prometheus, trace spans, trace-correlated slog loggers and the
// HTTP middleware combining them.
//
// [Setup] installs the global providers. Tests build an isolated [Metrics]
// with [NewMetrics] over their own MeterProvider. Every Record method is a
// no-op on a nil *Metrics, so instrumentation is always optional.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/kokoro"

// Metrics holds the application's instruments. The OTel instruments are
// safe for concurrent use.
type Metrics struct {
	// ── Sessions ──

	ConnectDuration metric.Float64Histogram   // credential fetch + handshake, by outcome
	SessionConnects metric.Int64Counter       // outcome: ok, credential_error, transport_error, cancelled
	ActiveSessions  metric.Int64UpDownCounter // connected realtime sessions

	// ── Transcript pipeline ──

	TransportEvents metric.Int64Counter // decoded provider events, by type
	TranscriptOps   metric.Int64Counter // applied store operations, by kind
	LateEvents      metric.Int64Counter // events arriving after their session ended

	// ── Collaborators ──

	CredentialDuration metric.Float64Histogram // by source and status
	AnalysisDuration   metric.Float64Histogram // by outcome
	AnalysisOutcomes   metric.Int64Counter     // ready, malformed, unavailable
	ProviderRequests   metric.Int64Counter     // by provider, kind and status
	ProviderErrors     metric.Int64Counter     // by provider and kind

	// ── HTTP ──

	HTTPRequestDuration metric.Float64Histogram // by method, route and status
}

// latencyBuckets (seconds) cover a websocket handshake up to a slow LLM call.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// instruments accumulates creation errors so NewMetrics reads as a list.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ConnectDuration: b.seconds("kokoro.session.connect.duration", "Credential fetch plus transport handshake.", latencyBuckets...),
		SessionConnects: b.counter("kokoro.session.connects", "Connect attempts by outcome."),
		ActiveSessions:  b.gauge("kokoro.active_sessions", "Connected realtime sessions."),

		TransportEvents: b.counter("kokoro.transport.events", "Decoded realtime events by type."),
		TranscriptOps:   b.counter("kokoro.transcript.ops", "Transcript operations applied by kind."),
		LateEvents:      b.counter("kokoro.transport.late_events", "Events dropped after their session ended."),

		CredentialDuration: b.seconds("kokoro.credential.duration", "Ephemeral credential acquisition.", latencyBuckets...),
		AnalysisDuration:   b.seconds("kokoro.analysis.duration", "Conversation scoring requests.", latencyBuckets...),
		AnalysisOutcomes:   b.counter("kokoro.analysis.outcomes", "Finished analyses by outcome."),
		ProviderRequests:   b.counter("kokoro.provider.requests", "Provider API requests by provider, kind and status."),
		ProviderErrors:     b.counter("kokoro.provider.errors", "Provider errors by provider and kind."),

		HTTPRequestDuration: b.seconds("kokoro.http.request.duration", "HTTP request latency by method and route."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide instance on [otel.GetMeterProvider],
// created on first use. Call it after [Setup] so the instruments bind to the
// exporting provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func with(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributeSet(attribute.NewSet(kv...))
}

// RecordConnect records the outcome and latency of one connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := with(attribute.String("outcome", outcome))
	m.SessionConnects.Add(ctx, 1, attrs)
	m.ConnectDuration.Record(ctx, d.Seconds(), attrs)
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m != nil {
		m.ActiveSessions.Add(ctx, 1)
	}
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	if m != nil {
		m.ActiveSessions.Add(ctx, -1)
	}
}

// RecordCredential records one credential acquisition.
func (m *Metrics) RecordCredential(ctx context.Context, source, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.CredentialDuration.Record(ctx, d.Seconds(), with(
		attribute.String("source", source),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordTransportEvent(ctx context.Context, eventType string) {
	if m != nil {
		m.TransportEvents.Add(ctx, 1, with(attribute.String("type", eventType)))
	}
}

func (m *Metrics) RecordTranscriptOp(ctx context.Context, kind string) {
	if m != nil {
		m.TranscriptOps.Add(ctx, 1, with(attribute.String("kind", kind)))
	}
}

func (m *Metrics) RecordLateEvent(ctx context.Context, eventType string) {
	if m != nil {
		m.LateEvents.Add(ctx, 1, with(attribute.String("type", eventType)))
	}
}

// RecordAnalysis records the outcome and latency of one report request.
func (m *Metrics) RecordAnalysis(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := with(attribute.String("outcome", outcome))
	m.AnalysisOutcomes.Add(ctx, 1, attrs)
	m.AnalysisDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordProviderRequest counts one provider API call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1, with(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1, with(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordHTTP records one served request. route is the mux pattern, so path
// parameters never explode cardinality.
func (m *Metrics) RecordHTTP(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, d.Seconds(), with(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
