// Package observe provides application-wide observability primitives for
// the orchestrator: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all orchestrator metrics.
const meterName = "github.com/callmedia/orchestrator"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SwitchOpDuration tracks switch REST call latency (originate, answer,
	// hangup, play, bridge operations).
	SwitchOpDuration metric.Float64Histogram

	// ASRRoundTripDuration tracks the time from a PCM frame being sent to the
	// ASR server to its corresponding transcription arriving.
	ASRRoundTripDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis request latency.
	TTSDuration metric.Float64Histogram

	// PlaybackDriftDuration tracks the real-time scheduler's per-frame
	// pacing error — the gap between a frame's target send time and when it
	// was actually written.
	PlaybackDriftDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts calls entering the registry, by direction.
	CallsStarted metric.Int64Counter

	// CallsEnded counts calls reaching a terminal state, by final state and
	// hangup cause.
	CallsEnded metric.Int64Counter

	// CallsFailed counts calls that ended in the failed state specifically.
	CallsFailed metric.Int64Counter

	// ASRReconnects counts ASR session reconnection attempts.
	ASRReconnects metric.Int64Counter

	// SwitchReconnects counts switch adapter event-stream reconnection
	// attempts.
	SwitchReconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of currently tracked (non-terminal) calls.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveCapturePipelines tracks the number of live capture sessions.
	ActiveCapturePipelines metric.Int64UpDownCounter

	// ActivePlaybackPipelines tracks the number of live playback sessions.
	ActivePlaybackPipelines metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time (admin REST
	// surface). Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for call-setup and per-frame latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SwitchOpDuration, err = m.Float64Histogram("orchestrator.switch.op_duration",
		metric.WithDescription("Latency of switch adapter REST calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ASRRoundTripDuration, err = m.Float64Histogram("orchestrator.asr.round_trip_duration",
		metric.WithDescription("Latency from a PCM frame send to its transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("orchestrator.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDriftDuration, err = m.Float64Histogram("orchestrator.playback.drift",
		metric.WithDescription("Per-frame scheduling error of the playback scheduler."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.02, 0.05, 0.1),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("orchestrator.calls.started",
		metric.WithDescription("Total calls entering the registry, by direction."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("orchestrator.calls.ended",
		metric.WithDescription("Total calls reaching a terminal state, by final state."),
	); err != nil {
		return nil, err
	}
	if met.CallsFailed, err = m.Int64Counter("orchestrator.calls.failed",
		metric.WithDescription("Total calls ending in the failed state."),
	); err != nil {
		return nil, err
	}
	if met.ASRReconnects, err = m.Int64Counter("orchestrator.asr.reconnects",
		metric.WithDescription("Total ASR session reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.SwitchReconnects, err = m.Int64Counter("orchestrator.switch.reconnects",
		metric.WithDescription("Total switch event-stream reconnection attempts."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("orchestrator.calls.active",
		metric.WithDescription("Number of currently tracked non-terminal calls."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCapturePipelines, err = m.Int64UpDownCounter("orchestrator.capture.active",
		metric.WithDescription("Number of live capture pipelines."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlaybackPipelines, err = m.Int64UpDownCounter("orchestrator.playback.active",
		metric.WithDescription("Number of live playback pipelines."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("orchestrator.http.request.duration",
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

// RecordCallStarted records a call entering the registry.
func (m *Metrics) RecordCallStarted(ctx context.Context, direction string) {
	m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordCallEnded records a call reaching a terminal state.
func (m *Metrics) RecordCallEnded(ctx context.Context, finalState, cause string) {
	m.CallsEnded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("final_state", finalState),
		attribute.String("cause", cause),
	))
	if finalState == "failed" {
		m.CallsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
	}
}

// RecordSwitchOp records one switch adapter REST call's latency.
func (m *Metrics) RecordSwitchOp(ctx context.Context, op string, d float64, ok bool) {
	m.SwitchOpDuration.Record(ctx, d, metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("ok", ok),
	))
}
