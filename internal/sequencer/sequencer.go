// Package sequencer reconciles a possibly-unordered, possibly-duplicated,
// possibly-gappy stream of transcription events into one authoritative,
// strictly ordered transcript.
//
// The sequencer is a pure reducer: it performs no I/O of its own. Applied
// segments are handed synchronously to an apply sink, which the application
// wires to the sync coordinator, archive, and exporter.
package sequencer

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/capitalrow/minawire/internal/observe"
	"github.com/capitalrow/minawire/internal/wire"
)

// Default gap policy parameters.
const (
	defaultStalenessBound = 3 * time.Second
	defaultSweepInterval  = 500 * time.Millisecond
)

// Segment is one applied element of the reconciled transcript: a final
// transcription result or a gap marker recording skipped sequences.
type Segment struct {
	// EventID is the originating event's ID. Gap markers carry a synthetic ID.
	EventID string

	// Sequence is the event's position in the logical order. For gap markers
	// it is the first skipped sequence.
	Sequence uint64

	Kind       wire.EventKind
	Text       string
	Confidence float64
	Timestamp  time.Time

	// IsGap marks a segment recording a deliberate skip. GapEnd is the last
	// skipped sequence (inclusive).
	IsGap  bool
	GapEnd uint64
}

// Transcript is the reconciled read model. Segments holds finals and gap
// markers sorted by sequence with unique event IDs; Interim is the volatile
// latest interim result, superseded wholesale by the next final.
type Transcript struct {
	Segments    []Segment
	Interim     *Segment
	LastApplied uint64
}

// Stats reports the sequencer's observable policy counters.
type Stats struct {
	Applied    uint64
	Duplicates uint64
	GapSkips   uint64
	StaleDrops uint64
	Buffered   int
}

// Config configures a [Sequencer]. Zero values get defaults.
type Config struct {
	// StalenessBound is how long the lowest buffered sequence may sit ahead
	// of the watermark before the sequencer gap-skips to it. Default 3s.
	StalenessBound time.Duration

	// SweepInterval is how often the background sweeper enforces the
	// staleness bound when no events arrive. Default 500ms.
	SweepInterval time.Duration

	// OnApply, when non-nil, receives every applied segment (finals, interim
	// updates, and gap markers) in apply order. Called synchronously; ingest
	// and sweeper deliveries are serialized so the sink never observes
	// segments out of order.
	OnApply func(Segment)

	// Metrics receives sequencer instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Sequencer orders, deduplicates, and gap-skips transcription events.
//
// All methods are safe for concurrent use.
type Sequencer struct {
	sweepInterval time.Duration
	onApply       func(Segment)
	metrics       *observe.Metrics

	// emitMu serializes apply-and-emit across Ingest and the sweeper so
	// OnApply observes segments in apply order. Lock order: emitMu before mu.
	emitMu sync.Mutex

	mu             sync.Mutex
	stalenessBound time.Duration
	seen           map[string]struct{}
	buffer         eventHeap
	transcript     Transcript
	stats          Stats

	// stuckSince is when the lowest buffered sequence started waiting ahead
	// of the watermark. Zero when the buffer is empty or the head is next.
	stuckSince time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a [Sequencer]. Call [Sequencer.Start] to enable the background
// gap sweeper; without it the staleness bound is only checked on ingest.
func New(cfg Config) *Sequencer {
	if cfg.StalenessBound <= 0 {
		cfg.StalenessBound = defaultStalenessBound
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Sequencer{
		stalenessBound: cfg.StalenessBound,
		sweepInterval:  cfg.SweepInterval,
		onApply:        cfg.OnApply,
		metrics:        cfg.Metrics,
		seen:           make(map[string]struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the background sweeper that enforces the staleness bound
// even when no further events arrive.
func (s *Sequencer) Start(ctx context.Context) {
	go s.sweepLoop(ctx)
}

// Stop halts the background sweeper. Safe to call multiple times.
func (s *Sequencer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// Ingest feeds one event into the reducer. Duplicates and events at or below
// the watermark are dropped and counted, never surfaced as errors.
func (s *Sequencer) Ingest(ev wire.TranscriptionEvent) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()

	if _, dup := s.seen[ev.EventID]; dup {
		s.stats.Duplicates++
		s.mu.Unlock()
		s.metrics.DuplicateEvents.Add(context.Background(), 1)
		return
	}
	s.seen[ev.EventID] = struct{}{}

	if ev.Sequence <= s.transcript.LastApplied {
		// Arrived after a gap-skip advanced past it.
		s.stats.StaleDrops++
		watermark := s.transcript.LastApplied
		s.mu.Unlock()
		slog.Debug("sequencer: dropping stale event",
			"event_id", ev.EventID,
			"sequence", ev.Sequence,
			"watermark", watermark,
		)
		return
	}

	heap.Push(&s.buffer, ev)
	s.metrics.BufferedEvents.Add(context.Background(), 1)

	applied := s.drainLocked()
	applied = append(applied, s.checkGapLocked(time.Now())...)
	s.mu.Unlock()

	s.emit(applied)
}

// Snapshot returns a deep copy of the reconciled transcript.
func (s *Sequencer) Snapshot() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Transcript{
		Segments:    make([]Segment, len(s.transcript.Segments)),
		LastApplied: s.transcript.LastApplied,
	}
	copy(out.Segments, s.transcript.Segments)
	if s.transcript.Interim != nil {
		interim := *s.transcript.Interim
		out.Interim = &interim
	}
	return out
}

// Stats returns the current policy counters.
func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Buffered = s.buffer.Len()
	return st
}

// ─── Internals ───────────────────────────────────────────────────────────────

func (s *Sequencer) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.emitMu.Lock()
			s.mu.Lock()
			applied := s.checkGapLocked(time.Now())
			s.mu.Unlock()
			s.emit(applied)
			s.emitMu.Unlock()
		}
	}
}

// drainLocked pops and applies buffered events while the lowest sequence is
// exactly the next expected one. Must be called with s.mu held.
func (s *Sequencer) drainLocked() []Segment {
	var applied []Segment
	for s.buffer.Len() > 0 && s.buffer.min().Sequence == s.transcript.LastApplied+1 {
		ev := heap.Pop(&s.buffer).(wire.TranscriptionEvent)
		s.metrics.BufferedEvents.Add(context.Background(), -1)
		applied = append(applied, s.applyLocked(ev))
	}
	s.resetStuckLocked()
	return applied
}

// applyLocked appends ev to the transcript and advances the watermark.
// Must be called with s.mu held.
func (s *Sequencer) applyLocked(ev wire.TranscriptionEvent) Segment {
	seg := Segment{
		EventID:    ev.EventID,
		Sequence:   ev.Sequence,
		Kind:       ev.Kind,
		Text:       ev.Text,
		Confidence: ev.Confidence,
		Timestamp:  ev.Timestamp,
	}

	switch ev.Kind {
	case wire.KindFinal:
		// The final supersedes any pending interim wholesale; the interim
		// never enters the permanent segments.
		s.transcript.Interim = nil
		s.transcript.Segments = append(s.transcript.Segments, seg)
	case wire.KindInterim:
		s.transcript.Interim = &seg
	}

	s.transcript.LastApplied = ev.Sequence
	s.stats.Applied++
	s.metrics.EventsApplied.Add(context.Background(), 1)
	return seg
}

// checkGapLocked advances past a missing sequence once the lowest buffered
// event has waited beyond the staleness bound, trading strict ordering for
// liveness. Must be called with s.mu held.
func (s *Sequencer) checkGapLocked(now time.Time) []Segment {
	if s.buffer.Len() == 0 {
		s.stuckSince = time.Time{}
		return nil
	}

	lowest := s.buffer.min().Sequence
	if lowest <= s.transcript.LastApplied+1 {
		s.stuckSince = time.Time{}
		return nil
	}

	if s.stuckSince.IsZero() {
		s.stuckSince = now
		return nil
	}
	if now.Sub(s.stuckSince) < s.stalenessBound {
		return nil
	}

	gapStart := s.transcript.LastApplied + 1
	gapEnd := lowest - 1

	marker := Segment{
		EventID:   fmt.Sprintf("gap-%d-%d", gapStart, gapEnd),
		Sequence:  gapStart,
		Kind:      wire.KindFinal,
		Timestamp: now,
		IsGap:     true,
		GapEnd:    gapEnd,
	}
	s.transcript.Segments = append(s.transcript.Segments, marker)
	s.transcript.LastApplied = gapEnd
	s.stats.GapSkips++
	s.metrics.GapSkips.Add(context.Background(), 1)

	slog.Warn("sequencer: gap-skip",
		"from", gapStart,
		"to", gapEnd,
		"waited", now.Sub(s.stuckSince),
	)

	applied := []Segment{marker}
	applied = append(applied, s.drainLocked()...)
	return applied
}

// resetStuckLocked re-anchors the staleness clock after a drain. Must be
// called with s.mu held.
func (s *Sequencer) resetStuckLocked() {
	if s.buffer.Len() == 0 || s.buffer.min().Sequence == s.transcript.LastApplied+1 {
		s.stuckSince = time.Time{}
	} else if s.stuckSince.IsZero() {
		s.stuckSince = time.Now()
	}
}

// SetStalenessBound replaces the staleness bound at runtime. Non-positive
// values keep the current bound. The sweep interval is fixed at construction.
func (s *Sequencer) SetStalenessBound(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.stalenessBound = d
	s.mu.Unlock()
}

// emit pushes applied segments to the sink. Must be called with s.emitMu held
// and s.mu released.
func (s *Sequencer) emit(applied []Segment) {
	if s.onApply == nil {
		return
	}
	for _, seg := range applied {
		s.onApply(seg)
	}
}

// ─── Min-heap of events keyed by sequence ────────────────────────────────────

type eventHeap []wire.TranscriptionEvent

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].Sequence < h[j].Sequence }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)         { *h = append(*h, x.(wire.TranscriptionEvent)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}

func (h eventHeap) min() wire.TranscriptionEvent { return h[0] }
