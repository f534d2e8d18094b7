package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/capitalrow/minawire/internal/observe"
	"github.com/capitalrow/minawire/internal/sequencer"
	"github.com/capitalrow/minawire/internal/wire"
)

// fakeWriter records written messages and fails on demand.
type fakeWriter struct {
	failing bool
	written []kafka.Message
	closed  bool
}

var errBrokerDown = errors.New("broker down")

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.failing {
		return errBrokerDown
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	provider := metric.NewMeterProvider(metric.WithReader(metric.NewManualReader()))
	m, err := observe.NewMetrics(provider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newTestPublisher builds an enabled publisher over fake writers.
func newTestPublisher(t *testing.T, partial, final *fakeWriter) *Publisher {
	t.Helper()
	return &Publisher{
		writerPartial:    partial,
		writerFinal:      final,
		topicPartial:     "test.partial",
		topicFinal:       "test.final",
		enabled:          true,
		failureThreshold: 3,
		cooldown:         50 * time.Millisecond,
		metrics:          testMetrics(t),
	}
}

func finalSegment(seq uint64) sequencer.Segment {
	return sequencer.Segment{
		EventID:    "ev-final",
		Sequence:   seq,
		Kind:       wire.KindFinal,
		Text:       "final text",
		Confidence: 0.9,
		Timestamp:  time.Now(),
	}
}

func TestPublisher_RoutesByKind(t *testing.T) {
	partial := &fakeWriter{}
	final := &fakeWriter{}
	p := newTestPublisher(t, partial, final)

	interim := sequencer.Segment{EventID: "ev-i", Sequence: 1, Kind: wire.KindInterim, Text: "par"}
	if err := p.PublishSegment(t.Context(), "sess-1", interim); err != nil {
		t.Fatalf("PublishSegment interim: %v", err)
	}
	if err := p.PublishSegment(t.Context(), "sess-1", finalSegment(2)); err != nil {
		t.Fatalf("PublishSegment final: %v", err)
	}

	if len(partial.written) != 1 {
		t.Errorf("partial topic writes = %d, want 1", len(partial.written))
	}
	if len(final.written) != 1 {
		t.Errorf("final topic writes = %d, want 1", len(final.written))
	}

	msg := final.written[0]
	if string(msg.Key) != "sess-1" {
		t.Errorf("message key = %q, want session ID", msg.Key)
	}
	if len(msg.Headers) != 1 || msg.Headers[0].Key != "event_type" || string(msg.Headers[0].Value) != "final" {
		t.Errorf("unexpected headers: %+v", msg.Headers)
	}
}

func TestPublisher_GapMarkersGoToFinalTopic(t *testing.T) {
	partial := &fakeWriter{}
	final := &fakeWriter{}
	p := newTestPublisher(t, partial, final)

	gap := sequencer.Segment{EventID: "gap-2-2", Sequence: 2, Kind: wire.KindFinal, IsGap: true, GapEnd: 2}
	if err := p.PublishSegment(t.Context(), "sess-1", gap); err != nil {
		t.Fatalf("PublishSegment gap: %v", err)
	}
	if len(final.written) != 1 || len(partial.written) != 0 {
		t.Errorf("gap routed wrong: partial=%d final=%d", len(partial.written), len(final.written))
	}
}

func TestPublisher_DisabledModeAlwaysSucceeds(t *testing.T) {
	p := New(Config{Metrics: testMetrics(t)})

	for seq := uint64(1); seq <= 3; seq++ {
		if err := p.PublishSegment(t.Context(), "sess-1", finalSegment(seq)); err != nil {
			t.Fatalf("PublishSegment in log-only mode: %v", err)
		}
	}
	if p.GateOpen() {
		t.Error("gate open in disabled mode")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestPublisher_CooldownGate(t *testing.T) {
	final := &fakeWriter{failing: true}
	p := newTestPublisher(t, &fakeWriter{}, final)

	// Three consecutive failures open the gate.
	for seq := uint64(1); seq <= 3; seq++ {
		if err := p.PublishSegment(t.Context(), "sess-1", finalSegment(seq)); err == nil {
			t.Fatalf("publish %d should have failed", seq)
		}
	}
	if !p.GateOpen() {
		t.Fatal("gate not open after threshold failures")
	}

	// While the gate is open publishes are swallowed without touching the
	// broker.
	if err := p.PublishSegment(t.Context(), "sess-1", finalSegment(4)); err != nil {
		t.Fatalf("gated publish returned error: %v", err)
	}

	// After the cooldown one probe goes through; its success clears the
	// gate.
	final.failing = false
	time.Sleep(60 * time.Millisecond)
	if err := p.PublishSegment(t.Context(), "sess-1", finalSegment(5)); err != nil {
		t.Fatalf("probe publish: %v", err)
	}
	if p.GateOpen() {
		t.Error("gate still open after successful probe")
	}
	if len(final.written) != 1 {
		t.Errorf("broker writes = %d, want 1 (only the probe)", len(final.written))
	}
}

func TestPublisher_SetGatePolicyLoweredThresholdOpensGate(t *testing.T) {
	final := &fakeWriter{failing: true}
	p := newTestPublisher(t, &fakeWriter{}, final) // threshold 3

	// Two failures sit below the configured threshold.
	for seq := uint64(1); seq <= 2; seq++ {
		if err := p.PublishSegment(t.Context(), "sess-1", finalSegment(seq)); err == nil {
			t.Fatalf("publish %d should have failed", seq)
		}
	}
	if p.GateOpen() {
		t.Fatal("gate open below threshold")
	}

	// Lowering the threshold under the running failure count opens the gate
	// without waiting for another failure.
	p.SetGatePolicy(2, time.Hour)
	if !p.GateOpen() {
		t.Fatal("gate not open after threshold lowered below failure count")
	}

	// Gated publishes are swallowed and never reach the broker.
	if err := p.PublishSegment(t.Context(), "sess-1", finalSegment(3)); err != nil {
		t.Fatalf("gated publish returned error: %v", err)
	}
	if len(final.written) != 0 {
		t.Errorf("broker writes = %d, want 0", len(final.written))
	}
}

func TestPublisher_SetGatePolicyRaisedThresholdClosesGate(t *testing.T) {
	final := &fakeWriter{failing: true}
	p := newTestPublisher(t, &fakeWriter{}, final) // threshold 3

	for seq := uint64(1); seq <= 3; seq++ {
		if err := p.PublishSegment(t.Context(), "sess-1", finalSegment(seq)); err == nil {
			t.Fatalf("publish %d should have failed", seq)
		}
	}
	if !p.GateOpen() {
		t.Fatal("gate not open after threshold failures")
	}

	p.SetGatePolicy(10, 0)
	if p.GateOpen() {
		t.Error("gate still open after threshold raised above failure count")
	}
}

func TestPublisher_CloseClosesWriters(t *testing.T) {
	partial := &fakeWriter{}
	final := &fakeWriter{}
	p := newTestPublisher(t, partial, final)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !partial.closed || !final.closed {
		t.Error("Close did not close both writers")
	}
}
