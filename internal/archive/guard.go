package archive

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/capitalrow/minawire/internal/observe"
)

// Guard wraps a [Store] and makes all operations non-fatal. If the
// underlying store fails, operations return defaults and log warnings
// instead of propagating errors, so the live transcript pipeline keeps
// running through a database restart or network partition. The IsDegraded
// method reports whether the store is currently experiencing failures.
//
// Guard implements [Store].
//
// All methods are safe for concurrent use.
type Guard struct {
	store    Store
	metrics  *observe.Metrics
	degraded atomic.Bool
}

// NewGuard creates a [Guard] wrapping the given store.
func NewGuard(store Store, metrics *observe.Metrics) *Guard {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Guard{store: store, metrics: metrics}
}

// SaveSegments attempts the write. On failure the error is logged and
// swallowed; the store is marked degraded. On success the flag is cleared.
func (g *Guard) SaveSegments(ctx context.Context, segments []Segment) error {
	err := g.store.SaveSegments(ctx, segments)
	if err != nil {
		g.degraded.Store(true)
		g.metrics.RecordArchiveWrite(ctx, "error")
		slog.Warn("archive guard: SaveSegments failed, swallowing error",
			"segments", len(segments),
			"error", err,
		)
		return nil
	}
	g.degraded.Store(false)
	g.metrics.RecordArchiveWrite(ctx, "ok")
	return nil
}

// Recent attempts the read. On failure an empty slice is returned and the
// store is marked degraded.
func (g *Guard) Recent(ctx context.Context, sessionID string, limit int) ([]Segment, error) {
	segments, err := g.store.Recent(ctx, sessionID, limit)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("archive guard: Recent failed, returning empty",
			"session_id", sessionID,
			"error", err,
		)
		return []Segment{}, nil
	}
	g.degraded.Store(false)
	return segments, nil
}

// Ping delegates to the underlying store; readiness checks want the real
// error, so it is not swallowed.
func (g *Guard) Ping(ctx context.Context) error {
	err := g.store.Ping(ctx)
	g.degraded.Store(err != nil)
	return err
}

// Close delegates to the underlying store.
func (g *Guard) Close() {
	g.store.Close()
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

// Compile-time check that Guard satisfies Store.
var _ Store = (*Guard)(nil)
