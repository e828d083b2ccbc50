// Package observe holds the bridge's telemetry: OpenTelemetry metrics and
// traces, trace-aware logging and the HTTP middleware that ties them
// together.
//
// Instruments live in one [Metrics] value. The process-wide one comes from
// [DefaultMetrics] and reports to the global meter provider, which
// [InitProvider] backs with a Prometheus collector. Tests build their own
// with [NewMetrics] and an SDK meter provider.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every callbridge instrument.
const meterName = "github.com/MrWong99/callbridge"

// Metrics is the set of instruments recorded by the call path and the HTTP
// surface.
type Metrics struct {
	// Calls counts finished and refused calls by "outcome": completed,
	// abandoned, failed or rejected.
	Calls metric.Int64Counter
	// ActiveCalls is the number of calls being bridged right now.
	ActiveCalls  metric.Int64UpDownCounter
	CallDuration metric.Float64Histogram

	// FramesSent counts frames written to the caller by "kind" (audio or
	// silence). Silence frames mean the relay ran dry.
	FramesSent     metric.Int64Counter
	FramesReceived metric.Int64Counter
	DecodeErrors   metric.Int64Counter
	RelayEvictions metric.Int64Counter
	BargeIns       metric.Int64Counter

	// AIConnectDuration is the time to open an endpoint session.
	AIConnectDuration metric.Float64Histogram
	// ProviderRequests and ProviderErrors are keyed by "provider" and
	// "kind"; requests also carry "status".
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	HTTPRequestDuration metric.Float64Histogram
}

var (
	// Seconds. Connect latency of a cloud endpoint.
	connectBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// Seconds. Phone calls run from a few seconds to an hour.
	callBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600}
)

// instruments creates instruments on one meter and remembers the first
// failure per instrument.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) fail(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("observe: instrument %s: %w", name, err))
	}
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.fail(name, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.fail(name, err)
	return g
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.fail(name, err)
	return h
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		Calls:        b.counter("callbridge.calls", "Calls by outcome."),
		ActiveCalls:  b.gauge("callbridge.active_calls", "Calls currently bridged."),
		CallDuration: b.seconds("callbridge.call.duration", "Length of answered calls.", callBuckets),

		FramesSent:     b.counter("callbridge.frames.sent", "Frames written to the caller by kind."),
		FramesReceived: b.counter("callbridge.frames.received", "Caller packets forwarded to the AI endpoint."),
		DecodeErrors:   b.counter("callbridge.decode.errors", "Caller packets that failed to decode."),
		RelayEvictions: b.counter("callbridge.relay.evictions", "Assistant frames evicted from a full relay."),
		BargeIns:       b.counter("callbridge.barge_ins", "Caller interruptions of assistant speech."),

		AIConnectDuration: b.seconds("callbridge.ai.connect.duration", "Latency of opening an AI endpoint session.", connectBuckets),
		ProviderRequests:  b.counter("callbridge.provider.requests", "AI endpoint actions by provider, kind and status."),
		ProviderErrors:    b.counter("callbridge.provider.errors", "AI endpoint errors by provider and kind."),

		HTTPRequestDuration: b.seconds("callbridge.http.request.duration", "HTTP request latency by method, route and status class.", nil),
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

// DefaultMetrics returns the process-wide [Metrics], created on first use
// from [otel.GetMeterProvider]. Call it after [InitProvider] so the
// instruments report to the Prometheus collector.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordCall counts one call under outcome.
func (m *Metrics) RecordCall(ctx context.Context, outcome string) {
	m.Calls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFrameSent counts one frame written to the caller.
func (m *Metrics) RecordFrameSent(ctx context.Context, silence bool) {
	kind := "audio"
	if silence {
		kind = "silence"
	}
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
