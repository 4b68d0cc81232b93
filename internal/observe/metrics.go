// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, per-session tracing and trace-enriched
// structured logging.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the ops listener's /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/MrWong99/voxbridge"

// Direction values for the frame and byte counters.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveSessions tracks the number of bridged calls in progress.
	ActiveSessions metric.Int64UpDownCounter

	// --- Counters ---

	// Sessions counts finished sessions. Use with attribute:
	//   attribute.String("reason", ...)
	Sessions metric.Int64Counter

	// Frames counts AudioSocket audio frames. Use with attribute:
	//   attribute.String("direction", "inbound"|"outbound")
	Frames metric.Int64Counter

	// AudioBytes counts audio payload bytes on the telephony leg. Same
	// attributes as Frames.
	AudioBytes metric.Int64Counter

	// Turns counts caller turns signalled to the agent. Use with attribute:
	//   attribute.String("trigger", "silence"|"hangup")
	Turns metric.Int64Counter

	// RejectedSessions counts connections refused because the server was at
	// its session limit or shutting down.
	RejectedSessions metric.Int64Counter

	// Keepalives counts silence frames written while the caller leg idled.
	Keepalives metric.Int64Counter

	// ResponseTimeouts counts caller turns the agent never answered.
	ResponseTimeouts metric.Int64Counter

	// CodecErrors counts frames dropped by the transcoder. Use with attribute:
	//   attribute.String("direction", ...)
	CodecErrors metric.Int64Counter

	// --- Latency histograms ---

	// AgentConnectDuration tracks how long the agent handshake took.
	AgentConnectDuration metric.Float64Histogram

	// FirstResponseDuration tracks the delay from a caller turn end to the
	// first agent audio of the reply.
	FirstResponseDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops endpoint latency. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// voice-agent round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of bridged calls in progress."),
	); err != nil {
		return nil, err
	}

	if met.Sessions, err = m.Int64Counter("voxbridge.sessions",
		metric.WithDescription("Total finished sessions by end reason."),
	); err != nil {
		return nil, err
	}
	if met.RejectedSessions, err = m.Int64Counter("voxbridge.sessions.rejected",
		metric.WithDescription("Total telephony connections refused before bridging."),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("voxbridge.frames",
		metric.WithDescription("Total telephony audio frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voxbridge.audio.bytes",
		metric.WithDescription("Total telephony audio payload bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("voxbridge.turns",
		metric.WithDescription("Total caller turns signalled to the agent by trigger."),
	); err != nil {
		return nil, err
	}
	if met.Keepalives, err = m.Int64Counter("voxbridge.keepalives",
		metric.WithDescription("Total silence keepalive frames sent to telephony."),
	); err != nil {
		return nil, err
	}
	if met.ResponseTimeouts, err = m.Int64Counter("voxbridge.response_timeouts",
		metric.WithDescription("Total caller turns without an agent response."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("voxbridge.codec.errors",
		metric.WithDescription("Total audio frames dropped by the transcoder."),
	); err != nil {
		return nil, err
	}

	if met.AgentConnectDuration, err = m.Float64Histogram("voxbridge.agent.connect.duration",
		metric.WithDescription("Latency of the voice-agent handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstResponseDuration, err = m.Float64Histogram("voxbridge.agent.first_response.duration",
		metric.WithDescription("Delay from caller turn end to first agent audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("Ops HTTP request latency by method and path."),
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

// RecordFrame counts one telephony audio frame of n payload bytes.
func (m *Metrics) RecordFrame(ctx context.Context, direction string, n int) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.Frames.Add(ctx, 1, attrs)
	m.AudioBytes.Add(ctx, int64(n), attrs)
}

// RecordTurn counts a caller turn end.
func (m *Metrics) RecordTurn(ctx context.Context, trigger string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordCodecError counts a dropped frame.
func (m *Metrics) RecordCodecError(ctx context.Context, direction string) {
	m.CodecErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordSessionEnd counts a finished session.
func (m *Metrics) RecordSessionEnd(ctx context.Context, reason string) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFirstResponse records the turn-end to first-audio delay.
func (m *Metrics) RecordFirstResponse(ctx context.Context, d time.Duration) {
	m.FirstResponseDuration.Record(ctx, d.Seconds())
}
