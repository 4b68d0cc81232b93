package observe

import (
	"context"
	"testing"
	"time"

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

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, DirectionInbound, 160)
	m.RecordFrame(ctx, DirectionInbound, 160)
	m.RecordFrame(ctx, DirectionOutbound, 100)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voxbridge.frames", "direction", DirectionInbound); got != 2 {
		t.Errorf("inbound frames = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "voxbridge.audio.bytes", "direction", DirectionInbound); got != 320 {
		t.Errorf("inbound bytes = %d, want 320", got)
	}
	if got := sumWhere(t, rm, "voxbridge.audio.bytes", "direction", DirectionOutbound); got != 100 {
		t.Errorf("outbound bytes = %d, want 100", got)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "silence")
	m.RecordTurn(ctx, "silence")
	m.RecordTurn(ctx, "hangup")
	m.RecordCodecError(ctx, DirectionOutbound)
	m.RecordSessionEnd(ctx, "hangup")
	m.Keepalives.Add(ctx, 3)
	m.ResponseTimeouts.Add(ctx, 1)

	rm := collect(t, reader)

	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"voxbridge.turns", "trigger", "silence", 2},
		{"voxbridge.turns", "trigger", "hangup", 1},
		{"voxbridge.codec.errors", "direction", DirectionOutbound, 1},
		{"voxbridge.sessions", "reason", "hangup", 1},
		{"voxbridge.keepalives", "", "", 3},
		{"voxbridge.response_timeouts", "", "", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name+"/"+tc.value, func(t *testing.T) {
			if got := sumWhere(t, rm, tc.name, tc.key, tc.value); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voxbridge.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFirstResponse(ctx, 800*time.Millisecond)
	m.RecordFirstResponse(ctx, 1200*time.Millisecond)
	m.AgentConnectDuration.Record(ctx, 0.3)
	m.AgentConnectDuration.Record(ctx, 0.4)
	m.HTTPRequestDuration.Record(ctx, 0.001)
	m.HTTPRequestDuration.Record(ctx, 0.002)

	rm := collect(t, reader)
	for _, name := range []string{
		"voxbridge.agent.first_response.duration",
		"voxbridge.agent.connect.duration",
		"voxbridge.http.request.duration",
	} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
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
