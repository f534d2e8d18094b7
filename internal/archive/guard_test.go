package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/capitalrow/minawire/internal/observe"
	"github.com/capitalrow/minawire/internal/sequencer"
)

// fakeStore records calls and fails on demand.
type fakeStore struct {
	failing bool

	saved  [][]Segment
	recent []Segment
	pings  int
	closed bool
}

var errStoreDown = errors.New("store down")

func (f *fakeStore) SaveSegments(_ context.Context, segments []Segment) error {
	if f.failing {
		return errStoreDown
	}
	f.saved = append(f.saved, segments)
	return nil
}

func (f *fakeStore) Recent(_ context.Context, _ string, _ int) ([]Segment, error) {
	if f.failing {
		return nil, errStoreDown
	}
	return f.recent, nil
}

func (f *fakeStore) Ping(_ context.Context) error {
	f.pings++
	if f.failing {
		return errStoreDown
	}
	return nil
}

func (f *fakeStore) Close() { f.closed = true }

func newTestGuard(t *testing.T, store Store) *Guard {
	t.Helper()
	provider := metric.NewMeterProvider(metric.WithReader(metric.NewManualReader()))
	m, err := observe.NewMetrics(provider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return NewGuard(store, m)
}

func TestGuard_SaveSegmentsSwallowsFailure(t *testing.T) {
	store := &fakeStore{failing: true}
	g := newTestGuard(t, store)

	err := g.SaveSegments(t.Context(), []Segment{{SessionID: "s", Sequence: 1}})
	if err != nil {
		t.Fatalf("SaveSegments returned error through the guard: %v", err)
	}
	if !g.IsDegraded() {
		t.Error("guard not marked degraded after failure")
	}

	// Store recovers; the flag must clear on the next success.
	store.failing = false
	if err := g.SaveSegments(t.Context(), []Segment{{SessionID: "s", Sequence: 2}}); err != nil {
		t.Fatalf("SaveSegments: %v", err)
	}
	if g.IsDegraded() {
		t.Error("guard still degraded after recovery")
	}
	if len(store.saved) != 1 {
		t.Errorf("store writes = %d, want 1", len(store.saved))
	}
}

func TestGuard_RecentReturnsEmptyOnFailure(t *testing.T) {
	g := newTestGuard(t, &fakeStore{failing: true})

	segments, err := g.Recent(t.Context(), "s", 10)
	if err != nil {
		t.Fatalf("Recent returned error through the guard: %v", err)
	}
	if segments == nil || len(segments) != 0 {
		t.Errorf("Recent = %v, want empty slice", segments)
	}
	if !g.IsDegraded() {
		t.Error("guard not marked degraded after failure")
	}
}

func TestGuard_PingPropagates(t *testing.T) {
	store := &fakeStore{failing: true}
	g := newTestGuard(t, store)

	if err := g.Ping(t.Context()); !errors.Is(err, errStoreDown) {
		t.Errorf("Ping = %v, want the store error", err)
	}
	if !g.IsDegraded() {
		t.Error("guard not marked degraded after failed ping")
	}

	store.failing = false
	if err := g.Ping(t.Context()); err != nil {
		t.Errorf("Ping after recovery: %v", err)
	}
	if g.IsDegraded() {
		t.Error("guard still degraded after successful ping")
	}
}

func TestFromSequencerSegment(t *testing.T) {
	now := time.Now()
	seg := sequencer.Segment{
		EventID:    "ev-7",
		Sequence:   7,
		Text:       "hello",
		Confidence: 0.88,
		Timestamp:  now,
	}

	got := FromSequencerSegment("sess-1", seg)
	want := Segment{
		SessionID:  "sess-1",
		EventID:    "ev-7",
		Sequence:   7,
		Text:       "hello",
		Confidence: 0.88,
		Timestamp:  now,
	}
	if got != want {
		t.Errorf("FromSequencerSegment = %+v, want %+v", got, want)
	}
}
