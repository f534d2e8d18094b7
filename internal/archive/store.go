// Package archive persists finalized transcript segments to PostgreSQL.
//
// Persistence is optional: the app wires a [Guard]-wrapped store only when an
// archive DSN is configured, and the rest of the pipeline never depends on a
// write succeeding.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalrow/minawire/internal/sequencer"
)

// Segment is one archived transcript row.
type Segment struct {
	SessionID  string
	EventID    string
	Sequence   uint64
	Text       string
	Confidence float64
	IsGap      bool
	Timestamp  time.Time
}

// Store is the persistence surface the pipeline writes through. Implemented
// by [PostgresStore] and wrapped by [Guard].
type Store interface {
	// SaveSegments persists a batch of finalized segments. Re-delivery of an
	// already-archived (session, sequence) pair is a no-op.
	SaveSegments(ctx context.Context, segments []Segment) error

	// Recent returns the most recent segments for sessionID, newest last.
	Recent(ctx context.Context, sessionID string, limit int) ([]Segment, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}

const ddlTranscriptSegments = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    event_id    TEXT         NOT NULL,
    sequence    BIGINT       NOT NULL,
    text        TEXT         NOT NULL DEFAULT '',
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_gap      BOOLEAN      NOT NULL DEFAULT FALSE,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_session
    ON transcript_segments (session_id);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_session_sequence
    ON transcript_segments (session_id, sequence);
`

// PostgresStore is a [Store] backed by a pgx connection pool.
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn, verifies the connection,
// and bootstraps the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTranscriptSegments); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: bootstrap schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveSegments implements [Store]. The batch insert skips rows whose
// (session_id, sequence) pair already exists, so re-delivering the same
// segment after a reconnect is idempotent.
func (s *PostgresStore) SaveSegments(ctx context.Context, segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}

	const q = `
		INSERT INTO transcript_segments
		    (session_id, event_id, sequence, text, confidence, is_gap, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, sequence) DO NOTHING`

	batch := &pgx.Batch{}
	for _, seg := range segments {
		batch.Queue(q,
			seg.SessionID,
			seg.EventID,
			int64(seg.Sequence),
			seg.Text,
			seg.Confidence,
			seg.IsGap,
			seg.Timestamp,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range segments {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("archive: save segments: %w", err)
		}
	}
	return nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]Segment, error) {
	if limit <= 0 {
		limit = 100
	}

	const q = `
		SELECT session_id, event_id, sequence, text, confidence, is_gap, timestamp
		FROM (
		    SELECT session_id, event_id, sequence, text, confidence, is_gap, timestamp
		    FROM   transcript_segments
		    WHERE  session_id = $1
		    ORDER  BY sequence DESC
		    LIMIT  $2
		) latest
		ORDER BY sequence`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}

	segments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Segment, error) {
		var (
			seg Segment
			seq int64
		)
		if err := row.Scan(
			&seg.SessionID,
			&seg.EventID,
			&seq,
			&seg.Text,
			&seg.Confidence,
			&seg.IsGap,
			&seg.Timestamp,
		); err != nil {
			return Segment{}, err
		}
		seg.Sequence = uint64(seq)
		return seg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if segments == nil {
		segments = []Segment{}
	}
	return segments, nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close implements [Store].
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// FromSequencerSegment converts an applied sequencer segment into an archive
// row for sessionID.
func FromSequencerSegment(sessionID string, seg sequencer.Segment) Segment {
	return Segment{
		SessionID:  sessionID,
		EventID:    seg.EventID,
		Sequence:   seg.Sequence,
		Text:       seg.Text,
		Confidence: seg.Confidence,
		IsGap:      seg.IsGap,
		Timestamp:  seg.Timestamp,
	}
}

var _ Store = (*PostgresStore)(nil)
