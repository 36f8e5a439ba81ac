package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"orchestrator.switch.op_duration", m.SwitchOpDuration},
		{"orchestrator.asr.round_trip_duration", m.ASRRoundTripDuration},
		{"orchestrator.tts.duration", m.TTSDuration},
		{"orchestrator.playback.drift", m.PlaybackDriftDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestCallsStartedCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "inbound")))
	m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "inbound")))
	m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "outbound")))

	rm := collect(t, reader)
	met := findMetric(rm, "orchestrator.calls.started")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "direction" && kv.Value.AsString() == "inbound" {
				if dp.Value != 2 {
					t.Errorf("counter value = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with direction=inbound not found")
}

func TestRecordCallStarted(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCallStarted(ctx, "inbound")

	rm := collect(t, reader)
	met := findMetric(rm, "orchestrator.calls.started")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("counter value = %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestRecordCallEnded(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCallEnded(ctx, "ended", "normal_clearing")
	m.RecordCallEnded(ctx, "failed", "answer_failed")

	rm := collect(t, reader)

	endedMet := findMetric(rm, "orchestrator.calls.ended")
	if endedMet == nil {
		t.Fatal("orchestrator.calls.ended not found")
	}
	endedSum, ok := endedMet.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("orchestrator.calls.ended is not a sum")
	}
	if len(endedSum.DataPoints) != 2 {
		t.Fatalf("got %d calls.ended data points, want 2", len(endedSum.DataPoints))
	}

	// RecordCallEnded("failed", ...) must also tick the dedicated
	// calls.failed counter.
	failedMet := findMetric(rm, "orchestrator.calls.failed")
	if failedMet == nil {
		t.Fatal("orchestrator.calls.failed not found")
	}
	failedSum, ok := failedMet.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("orchestrator.calls.failed is not a sum")
	}
	if len(failedSum.DataPoints) == 0 || failedSum.DataPoints[0].Value != 1 {
		t.Errorf("got calls.failed = %+v, want exactly one increment", failedSum.DataPoints)
	}
}

func TestRecordSwitchOp(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSwitchOp(ctx, "answer", 0.02, true)
	m.RecordSwitchOp(ctx, "answer", 0.5, false)

	rm := collect(t, reader)
	met := findMetric(rm, "orchestrator.switch.op_duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}

	var okCount, failCount uint64
	for _, dp := range hist.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "ok" {
				if kv.Value.AsBool() {
					okCount += dp.Count
				} else {
					failCount += dp.Count
				}
			}
		}
	}
	if okCount != 1 {
		t.Errorf("ok=true sample count = %d, want 1", okCount)
	}
	if failCount != 1 {
		t.Errorf("ok=false sample count = %d, want 1", failCount)
	}
}

func TestReconnectCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ASRReconnects.Add(ctx, 1)
	m.ASRReconnects.Add(ctx, 1)
	m.SwitchReconnects.Add(ctx, 1)

	rm := collect(t, reader)

	asrMet := findMetric(rm, "orchestrator.asr.reconnects")
	if asrMet == nil {
		t.Fatal("orchestrator.asr.reconnects not found")
	}
	asrSum, ok := asrMet.Data.(metricdata.Sum[int64])
	if !ok || len(asrSum.DataPoints) == 0 || asrSum.DataPoints[0].Value != 2 {
		t.Errorf("got asr.reconnects %+v, want 2", asrSum.DataPoints)
	}

	switchMet := findMetric(rm, "orchestrator.switch.reconnects")
	if switchMet == nil {
		t.Fatal("orchestrator.switch.reconnects not found")
	}
	switchSum, ok := switchMet.Data.(metricdata.Sum[int64])
	if !ok || len(switchSum.DataPoints) == 0 || switchSum.DataPoints[0].Value != 1 {
		t.Errorf("got switch.reconnects %+v, want 1", switchSum.DataPoints)
	}
}

func TestActivePipelineGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so Set(N) is simulated as Add(N).
	m.ActiveCalls.Add(ctx, 5)
	m.ActiveCapturePipelines.Add(ctx, 1)
	m.ActiveCapturePipelines.Add(ctx, 1)
	m.ActivePlaybackPipelines.Add(ctx, 3)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"orchestrator.calls.active", 5},
		{"orchestrator.capture.active", 2},
		{"orchestrator.playback.active", 3},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "orchestrator.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
