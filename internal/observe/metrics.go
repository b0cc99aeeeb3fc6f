// Package observe provides application-wide observability primitives for
// reelmix: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// Every Record method tolerates a nil receiver so components can run without
// instrumentation.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all reelmix metrics.
const meterName = "github.com/MrWong99/reelmix"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionDuration tracks the wall-clock length of finished sessions. Use
	// with attribute.String("outcome", "stopped"|"error").
	SessionDuration metric.Float64Histogram

	// ComposeDuration tracks how long one compositor tick took to render.
	ComposeDuration metric.Float64Histogram

	// UploadDuration tracks artifact upload latency.
	UploadDuration metric.Float64Histogram

	// HTTPRequestDuration tracks API latency by method, route and status.
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksEmitted counts encoded chunks. Use with attribute.String("format", ...).
	ChunksEmitted metric.Int64Counter

	// ChunkBytes counts encoded bytes. Use with attribute.String("format", ...).
	ChunkBytes metric.Int64Counter

	// CompositorFrames counts composited frames.
	CompositorFrames metric.Int64Counter

	// BreakerTransitions counts upload endpoint breaker state changes. Use
	// with attribute.String("endpoint", ...), attribute.String("state", ...).
	BreakerTransitions metric.Int64Counter

	// UploadRequests counts upload attempts. Use with attribute.String("status", ...).
	UploadRequests metric.Int64Counter

	// --- Error counters ---

	// EncoderFaults counts sessions aborted by an encoder fault.
	EncoderFaults metric.Int64Counter

	// NegotiationFallbacks counts sessions that fell back to the platform
	// default format.
	NegotiationFallbacks metric.Int64Counter

	// AudioGraphFailures counts sessions that degraded to video-only.
	AudioGraphFailures metric.Int64Counter

	// SourceReleaseFailures counts tracks whose release returned an error.
	SourceReleaseFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of recording sessions in progress.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request and upload latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// composeBuckets covers per-frame render times, which stay well below one
// frame period.
var composeBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// sessionBuckets covers recordings from seconds to hours.
var sessionBuckets = []float64{
	1, 5, 15, 60, 300, 900, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("reelmix.session.duration",
		metric.WithDescription("Wall-clock length of finished recording sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ComposeDuration, err = m.Float64Histogram("reelmix.compositor.compose.duration",
		metric.WithDescription("Render time of one composited frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(composeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("reelmix.upload.duration",
		metric.WithDescription("Latency of artifact uploads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("reelmix.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksEmitted, err = m.Int64Counter("reelmix.chunks.emitted",
		metric.WithDescription("Total encoded chunks by format."),
	); err != nil {
		return nil, err
	}
	if met.ChunkBytes, err = m.Int64Counter("reelmix.chunk.bytes",
		metric.WithDescription("Total encoded bytes by format."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.CompositorFrames, err = m.Int64Counter("reelmix.compositor.frames",
		metric.WithDescription("Total composited video frames."),
	); err != nil {
		return nil, err
	}
	if met.UploadRequests, err = m.Int64Counter("reelmix.upload.requests",
		metric.WithDescription("Total artifact upload attempts by status."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("reelmix.upload.breaker.transitions",
		metric.WithDescription("Upload endpoint circuit breaker state changes."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.EncoderFaults, err = m.Int64Counter("reelmix.encoder.faults",
		metric.WithDescription("Total sessions aborted by an encoder fault."),
	); err != nil {
		return nil, err
	}
	if met.NegotiationFallbacks, err = m.Int64Counter("reelmix.negotiation.fallbacks",
		metric.WithDescription("Total sessions that fell back to the platform default format."),
	); err != nil {
		return nil, err
	}
	if met.AudioGraphFailures, err = m.Int64Counter("reelmix.audio_graph.failures",
		metric.WithDescription("Total sessions that could not build an audio mixing graph."),
	); err != nil {
		return nil, err
	}
	if met.SourceReleaseFailures, err = m.Int64Counter("reelmix.source_release.failures",
		metric.WithDescription("Total track release failures."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("reelmix.sessions.active",
		metric.WithDescription("Number of recording sessions in progress."),
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

// RecordSessionStarted increments the active session gauge.
func (m *Metrics) RecordSessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnded decrements the active session gauge and records the
// session length with its outcome.
func (m *Metrics) RecordSessionEnded(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
	m.SessionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordChunk records one emitted chunk of the given format and size.
func (m *Metrics) RecordChunk(ctx context.Context, format string, size int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("format", format))
	m.ChunksEmitted.Add(ctx, 1, attrs)
	m.ChunkBytes.Add(ctx, int64(size), attrs)
}

// RecordComposite records one composited frame and its render time.
func (m *Metrics) RecordComposite(ctx context.Context, sources int, took time.Duration) {
	if m == nil {
		return
	}
	m.CompositorFrames.Add(ctx, 1)
	m.ComposeDuration.Record(ctx, took.Seconds(), metric.WithAttributes(attribute.Int("sources", sources)))
}

// RecordEncoderFault counts an aborted session.
func (m *Metrics) RecordEncoderFault(ctx context.Context, format string) {
	if m == nil {
		return
	}
	m.EncoderFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("format", format)))
}

// RecordNegotiationFallback counts a session that used the platform default.
func (m *Metrics) RecordNegotiationFallback(ctx context.Context, format string) {
	if m == nil {
		return
	}
	m.NegotiationFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("format", format)))
}

// RecordAudioGraphFailure counts a session that degraded to video-only.
func (m *Metrics) RecordAudioGraphFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.AudioGraphFailures.Add(ctx, 1)
}

// RecordSourceReleaseFailure counts a failed release of one source.
func (m *Metrics) RecordSourceReleaseFailure(ctx context.Context, sourceID string) {
	if m == nil {
		return
	}
	m.SourceReleaseFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("source", sourceID)))
}

// RecordUpload records one upload attempt.
func (m *Metrics) RecordUpload(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.UploadRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.UploadDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordHTTPRequest records one served API request. route is the matched
// mux pattern, or the raw path for unrouted requests.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", route),
		attribute.Int("status", status),
	))
}

// RecordBreakerTransition counts an upload endpoint breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, endpoint, state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("state", state),
	))
}
