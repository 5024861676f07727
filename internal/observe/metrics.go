// Package observe provides application-wide observability primitives for
// voxrelay: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a private [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxrelay metrics.
const meterName = "github.com/voxrelay/voxrelay"

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// UpstreamAcquireDuration tracks how long acquiring an upstream session
	// takes, including retries.
	UpstreamAcquireDuration metric.Float64Histogram

	// ToolDispatchDuration tracks webhook POST latency per tool call.
	ToolDispatchDuration metric.Float64Histogram

	// Gate2WaitDuration tracks how long Gate-2 callbacks stay suspended
	// awaiting human confirmation.
	Gate2WaitDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts tool dispatches. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// GateCallbacks counts gate callbacks by outcome. Use with attributes:
	//   attribute.Int("gate", ...), attribute.String("status", ...)
	GateCallbacks metric.Int64Counter

	// SinkDrops counts records abandoned by the sink.
	SinkDrops metric.Int64Counter

	// UpstreamFailures counts failed upstream acquire attempts.
	UpstreamFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveWaiters tracks the number of suspended Gate-2 callbacks.
	ActiveWaiters metric.Int64UpDownCounter

	// --- Audio telemetry ---

	// AudioPacketLoss records the final packet-loss ratio of each closed
	// session.
	AudioPacketLoss metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// sub-second forwarding work up to the 30-second gate and dispatch timeouts.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// lossBuckets covers packet-loss ratios from negligible to total.
var lossBuckets = []float64{0, 0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.UpstreamAcquireDuration, err = m.Float64Histogram("voxrelay.upstream.acquire.duration",
		metric.WithDescription("Latency of acquiring an upstream realtime session, including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDispatchDuration, err = m.Float64Histogram("voxrelay.tool.dispatch.duration",
		metric.WithDescription("Latency of workflow webhook dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Gate2WaitDuration, err = m.Float64Histogram("voxrelay.gate2.wait.duration",
		metric.WithDescription("Time Gate-2 callbacks spend suspended awaiting confirmation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudioPacketLoss, err = m.Float64Histogram("voxrelay.audio.packet_loss",
		metric.WithDescription("Final packet-loss ratio of closed sessions."),
		metric.WithExplicitBucketBoundaries(lossBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ToolCalls, err = m.Int64Counter("voxrelay.tool.calls",
		metric.WithDescription("Tool dispatches by tool and status."),
	); err != nil {
		return nil, err
	}
	if met.GateCallbacks, err = m.Int64Counter("voxrelay.gate.callbacks",
		metric.WithDescription("Gate callbacks by gate and status."),
	); err != nil {
		return nil, err
	}
	if met.SinkDrops, err = m.Int64Counter("voxrelay.sink.drops",
		metric.WithDescription("Records abandoned by the sink."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamFailures, err = m.Int64Counter("voxrelay.upstream.failures",
		metric.WithDescription("Failed upstream acquire attempts."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxrelay.sessions.active",
		metric.WithDescription("Live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveWaiters, err = m.Int64UpDownCounter("voxrelay.gate2.waiters.active",
		metric.WithDescription("Suspended Gate-2 callbacks."),
	); err != nil {
		return nil, err
	}

	return met, nil
}
