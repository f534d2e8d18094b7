// Package observe provides application-wide observability primitives for
// minawire: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all minawire metrics.
const meterName = "github.com/capitalrow/minawire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Delivery controller ---

	// DispatchDuration tracks admission-to-completion latency of dispatched jobs.
	DispatchDuration metric.Float64Histogram

	// QueueDrops counts jobs evicted from the admission queue. Use with
	// attribute.String("reason", "overflow"|"timeout").
	QueueDrops metric.Int64Counter

	// --- Transport ---

	// UploadDuration tracks audio chunk upload latency.
	UploadDuration metric.Float64Histogram

	// ReconnectAttempts counts transport reconnection attempts.
	ReconnectAttempts metric.Int64Counter

	// MessagesReceived counts inbound messages. Use with
	// attribute.String("type", ...).
	MessagesReceived metric.Int64Counter

	// --- Sequencer ---

	// EventsApplied counts transcription events applied to the transcript.
	EventsApplied metric.Int64Counter

	// DuplicateEvents counts events discarded as duplicates.
	DuplicateEvents metric.Int64Counter

	// GapSkips counts deliberate gap-skip advances past missing sequences.
	GapSkips metric.Int64Counter

	// BufferedEvents tracks events held waiting for their sequence turn.
	BufferedEvents metric.Int64UpDownCounter

	// --- Sync coordinator ---

	// SyncBroadcasts counts cross-replica broadcasts. Use with
	// attribute.String("type", ...).
	SyncBroadcasts metric.Int64Counter

	// SyncSnapshots counts full state_sync snapshots served to joining peers.
	SyncSnapshots metric.Int64Counter

	// SyncPeers tracks the number of known live peers.
	SyncPeers metric.Int64UpDownCounter

	// --- Supplements ---

	// ArchiveWrites counts transcript segment persistence attempts. Use with
	// attribute.String("status", "ok"|"error").
	ArchiveWrites metric.Int64Counter

	// ExportPublishes counts event egress attempts. Use with
	// attribute.String("kind", ...), attribute.String("status", ...).
	ExportPublishes metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin HTTP request processing time. Use with
	// attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for live-delivery latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DispatchDuration, err = m.Float64Histogram("minawire.delivery.dispatch.duration",
		metric.WithDescription("Admission-to-completion latency of dispatched jobs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("minawire.transport.upload.duration",
		metric.WithDescription("Latency of audio chunk uploads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("minawire.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.QueueDrops, err = m.Int64Counter("minawire.delivery.queue.drops",
		metric.WithDescription("Jobs evicted from the admission queue by reason."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("minawire.transport.reconnect.attempts",
		metric.WithDescription("Transport reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("minawire.transport.messages",
		metric.WithDescription("Inbound messages by type."),
	); err != nil {
		return nil, err
	}
	if met.EventsApplied, err = m.Int64Counter("minawire.sequencer.applied",
		metric.WithDescription("Transcription events applied to the transcript."),
	); err != nil {
		return nil, err
	}
	if met.DuplicateEvents, err = m.Int64Counter("minawire.sequencer.duplicates",
		metric.WithDescription("Events discarded as duplicates."),
	); err != nil {
		return nil, err
	}
	if met.GapSkips, err = m.Int64Counter("minawire.sequencer.gap_skips",
		metric.WithDescription("Deliberate advances past missing sequences."),
	); err != nil {
		return nil, err
	}
	if met.SyncBroadcasts, err = m.Int64Counter("minawire.sync.broadcasts",
		metric.WithDescription("Cross-replica broadcasts by type."),
	); err != nil {
		return nil, err
	}
	if met.SyncSnapshots, err = m.Int64Counter("minawire.sync.snapshots",
		metric.WithDescription("Full state snapshots served to joining peers."),
	); err != nil {
		return nil, err
	}
	if met.ArchiveWrites, err = m.Int64Counter("minawire.archive.writes",
		metric.WithDescription("Transcript segment persistence attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ExportPublishes, err = m.Int64Counter("minawire.export.publishes",
		metric.WithDescription("Event egress attempts by kind and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.BufferedEvents, err = m.Int64UpDownCounter("minawire.sequencer.buffered",
		metric.WithDescription("Events held waiting for their sequence turn."),
	); err != nil {
		return nil, err
	}
	if met.SyncPeers, err = m.Int64UpDownCounter("minawire.sync.peers",
		metric.WithDescription("Known live sync peers."),
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

// RecordQueueDrop records an admission-queue eviction with its reason.
func (m *Metrics) RecordQueueDrop(ctx context.Context, reason string) {
	m.QueueDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordMessage records an inbound message counter increment by type.
func (m *Metrics) RecordMessage(ctx context.Context, msgType string) {
	m.MessagesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordBroadcast records a cross-replica broadcast counter increment by type.
func (m *Metrics) RecordBroadcast(ctx context.Context, msgType string) {
	m.SyncBroadcasts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordArchiveWrite records a persistence attempt with its status.
func (m *Metrics) RecordArchiveWrite(ctx context.Context, status string) {
	m.ArchiveWrites.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordExportPublish records an egress attempt with its kind and status.
func (m *Metrics) RecordExportPublish(ctx context.Context, kind, status string) {
	m.ExportPublishes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}
