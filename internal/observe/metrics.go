// Package observe provides voxnote's observability primitives: OpenTelemetry
// metrics, tracing helpers, trace-aware logging and the HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider] so they can be scraped from /metrics. A
// package-level [DefaultMetrics] instance is provided for convenience; tests
// should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxnote metrics.
const meterName = "github.com/MrWong99/voxnote"

// Correction request outcomes recorded on [Metrics.CorrectionRequests].
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusCancelled = "cancelled"
)

// Metrics holds all OpenTelemetry instruments for the application.
type Metrics struct {
	// CorrectionDuration tracks Correction Oracle round-trip latency.
	CorrectionDuration metric.Float64Histogram

	// CorrectionRequests counts oracle calls. Attributes:
	//   attribute.String("status", ok|degraded|cancelled)
	CorrectionRequests metric.Int64Counter

	// ChunksIngested counts transcript chunks accepted by a store. Attributes:
	//   attribute.Bool("final", ...)
	ChunksIngested metric.Int64Counter

	// ActiveCorrections tracks oracle calls currently in flight.
	ActiveCorrections metric.Int64UpDownCounter

	// Commands counts interpreter flushes by outcome. Attributes:
	//   attribute.String("path", pattern|rewrite|none|busy|error)
	Commands metric.Int64Counter

	// ActiveSessions tracks live transcript sessions.
	ActiveSessions metric.Int64UpDownCounter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	//   attribute.String("backend", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("code", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. Oracle calls are
// typically between a few hundred milliseconds and several seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CorrectionDuration, err = m.Float64Histogram("voxnote.correction.duration",
		metric.WithDescription("Latency of Correction Oracle requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CorrectionRequests, err = m.Int64Counter("voxnote.correction.requests",
		metric.WithDescription("Correction Oracle requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ChunksIngested, err = m.Int64Counter("voxnote.chunks.ingested",
		metric.WithDescription("Transcript chunks accepted, split by finality."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCorrections, err = m.Int64UpDownCounter("voxnote.corrections.active",
		metric.WithDescription("Correction Oracle requests currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.Commands, err = m.Int64Counter("voxnote.commands",
		metric.WithDescription("Voice command flushes by resolution path."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxnote.sessions.active",
		metric.WithDescription("Number of live transcript sessions."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxnote.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by backend and target state."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxnote.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status code."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// RecordCorrection records one finished oracle call.
func (m *Metrics) RecordCorrection(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.CorrectionRequests.Add(ctx, 1, attrs)
	m.CorrectionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordChunk records an ingested chunk.
func (m *Metrics) RecordChunk(ctx context.Context, final bool) {
	m.ChunksIngested.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", final)))
}

// RecordCommand records an interpreter flush outcome.
func (m *Metrics) RecordCommand(ctx context.Context, path string) {
	m.Commands.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// RecordBreakerTransition records a breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("to", to),
	))
}

func statusCode(code int) attribute.KeyValue {
	return attribute.String("code", strconv.Itoa(code))
}
