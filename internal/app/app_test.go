package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/capitalrow/minawire/internal/archive"
	"github.com/capitalrow/minawire/internal/config"
	"github.com/capitalrow/minawire/internal/sequencer"
	"github.com/capitalrow/minawire/internal/syncbus"
	"github.com/capitalrow/minawire/internal/wire"
)

type fakeArchive struct {
	mu      sync.Mutex
	batches [][]archive.Segment
}

func (f *fakeArchive) SaveSegments(_ context.Context, segments []archive.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]archive.Segment(nil), segments...))
	return nil
}

func (f *fakeArchive) Recent(context.Context, string, int) ([]archive.Segment, error) {
	return nil, nil
}
func (f *fakeArchive) Ping(context.Context) error { return nil }
func (f *fakeArchive) Close()                     {}

func (f *fakeArchive) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testConfig() *config.Config {
	return &config.Config{
		Transport: config.TransportConfig{
			BaseURL: "http://127.0.0.1:9",
			Mode:    config.TransportPolling,
		},
		Capture: config.CaptureConfig{Source: "none"},
	}
}

func newTestApp(t *testing.T, store archive.Store) *App {
	t.Helper()
	opts := []Option{
		WithSyncChannel(syncbus.NewLoopbackHub().Subscribe()),
	}
	if store != nil {
		opts = append(opts, WithArchiveStore(store))
	}
	a, err := New(t.Context(), testConfig(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_DisabledCaptureAndArchive(t *testing.T) {
	a := newTestApp(t, nil)

	if a.store != nil {
		t.Error("archive guard created without a DSN")
	}
	if a.opener != nil {
		t.Error("capture opener created for source \"none\"")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestApplySegment_FinalReachesSyncAndArchive(t *testing.T) {
	store := &fakeArchive{}
	a := newTestApp(t, store)

	seg := sequencer.Segment{
		EventID:    "ev-1",
		Sequence:   1,
		Kind:       wire.KindFinal,
		Text:       "hello world",
		Confidence: 0.93,
		Timestamp:  time.Now(),
	}
	a.applySegment(seg)

	entry, ok := a.coord.Get("transcript/0000000001")
	if !ok {
		t.Fatal("final segment missing from sync cache")
	}
	var got sequencer.Segment
	if err := json.Unmarshal(entry.Value, &got); err != nil {
		t.Fatalf("decode cached segment: %v", err)
	}
	if got.Text != "hello world" {
		t.Errorf("cached text = %q", got.Text)
	}

	// Below the batch size nothing is written until a flush.
	if n := store.batchCount(); n != 0 {
		t.Fatalf("batches before flush = %d, want 0", n)
	}
	a.flushArchive(context.Background())
	if n := store.batchCount(); n != 1 {
		t.Fatalf("batches after flush = %d, want 1", n)
	}
	if len(store.batches[0]) != 1 || store.batches[0][0].EventID != "ev-1" {
		t.Errorf("unexpected batch contents: %+v", store.batches[0])
	}
}

func TestApplySegment_InterimSharesOneSlotAndSkipsArchive(t *testing.T) {
	store := &fakeArchive{}
	a := newTestApp(t, store)

	for i, text := range []string{"hel", "hello", "hello wor"} {
		a.applySegment(sequencer.Segment{
			EventID:  fmt.Sprintf("ev-interim-%d", i),
			Sequence: uint64(i + 1),
			Kind:     wire.KindInterim,
			Text:     text,
		})
	}

	entry, ok := a.coord.Get(interimKey)
	if !ok {
		t.Fatal("interim slot missing from sync cache")
	}
	var got sequencer.Segment
	if err := json.Unmarshal(entry.Value, &got); err != nil {
		t.Fatalf("decode cached interim: %v", err)
	}
	if got.Text != "hello wor" {
		t.Errorf("interim text = %q, want latest", got.Text)
	}

	a.flushArchive(context.Background())
	if n := store.batchCount(); n != 0 {
		t.Errorf("interims archived: %d batches", n)
	}
}

func TestApplySegment_FlushesAtBatchSize(t *testing.T) {
	store := &fakeArchive{}
	a := newTestApp(t, store)

	for i := range archiveBatchSize {
		a.applySegment(sequencer.Segment{
			EventID:  fmt.Sprintf("ev-%d", i),
			Sequence: uint64(i + 1),
			Kind:     wire.KindFinal,
			Text:     "chunk",
		})
	}

	if n := store.batchCount(); n != 1 {
		t.Fatalf("batches = %d, want 1 full batch", n)
	}
	if len(store.batches[0]) != archiveBatchSize {
		t.Errorf("batch size = %d, want %d", len(store.batches[0]), archiveBatchSize)
	}
}

func TestApplyConfigChange_AppliesLiveTuning(t *testing.T) {
	a := newTestApp(t, nil)

	prev := testConfig()
	next := testConfig()
	next.Delivery.QueueBound = 20
	next.Delivery.JobTimeout = 12 * time.Second
	next.Sequencer.StalenessBound = 5 * time.Second
	next.Export.FailureThreshold = 2
	next.Export.Cooldown = time.Minute

	a.ApplyConfigChange(config.Diff(prev, next))

	bound, timeout := a.ctrl.Limits()
	if bound != 20 {
		t.Errorf("queue bound = %d, want 20", bound)
	}
	if timeout != 12*time.Second {
		t.Errorf("job timeout = %v, want 12s", timeout)
	}
	// The gate tuning landed without opening the gate on a healthy exporter.
	if a.exporter.GateOpen() {
		t.Error("export gate opened by a tuning reload")
	}
}

func TestApplySegment_GapMarkerIsArchived(t *testing.T) {
	store := &fakeArchive{}
	a := newTestApp(t, store)

	a.applySegment(sequencer.Segment{
		EventID:  "gap-5-7",
		Sequence: 5,
		Kind:     wire.KindFinal,
		IsGap:    true,
		GapEnd:   7,
	})
	a.flushArchive(context.Background())

	if n := store.batchCount(); n != 1 {
		t.Fatalf("batches = %d, want 1", n)
	}
	if !store.batches[0][0].IsGap {
		t.Error("archived segment lost its gap flag")
	}
}
