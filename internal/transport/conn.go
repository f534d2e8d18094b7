package transport

import (
	"context"

	"github.com/capitalrow/minawire/internal/wire"
)

// Mode selects the connection medium.
type Mode string

const (
	// ModeWebsocket carries envelopes as text frames on one connection.
	ModeWebsocket Mode = "websocket"

	// ModePolling carries outbound envelopes as HTTP POSTs and inbound ones
	// through a periodic GET /poll loop.
	ModePolling Mode = "polling"
)

// mediumConn is one live connection in either mode. The client treats both
// mediums identically: envelopes out through Send, envelopes in through
// Inbound. Inbound is closed when the connection dies; Err then reports the
// cause.
type mediumConn interface {
	// Send transmits one envelope. Safe for concurrent use.
	Send(ctx context.Context, env wire.Envelope) error

	// Inbound is the stream of received envelopes. Closed on connection
	// failure or Close.
	Inbound() <-chan wire.Envelope

	// Err reports why Inbound closed. Nil for a clean Close.
	Err() error

	// Close tears the connection down. Safe to call multiple times.
	Close() error
}

// inboundBuffer is the per-connection inbound envelope buffer. Dispatch is
// single-consumer and fast, so a modest buffer absorbs poll bursts.
const inboundBuffer = 64
