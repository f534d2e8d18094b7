// Package transport keeps one logical transcription session alive across
// connection drops, server restarts, and degraded links.
//
// Two mediums carry the same [wire.Envelope] codec: a websocket connection
// (primary) and an HTTP polling loop (fallback). The [Client] owns the
// session state machine; outbound traffic is paced through the delivery
// controller so admission control applies uniformly in both modes.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrConnectionFailed is the terminal error surfaced when the bounded
// reconnect loop exhausts its attempts. No further reconnection is attempted
// once it is emitted.
var ErrConnectionFailed = errors.New("transport: connection failed after max attempts")

// ErrNotConnected is returned by session operations before Connect succeeds
// or after Close.
var ErrNotConnected = errors.New("transport: not connected")

// ServerError is a classified error envelope received from the backend.
type ServerError struct {
	// Type is the backend's error classification (e.g. "no_active_session").
	Type string

	// Message is the human-readable detail.
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("transport: server error %q: %s", e.Type, e.Message)
}

// errTypeNoActiveSession is recovered automatically by restarting the
// session instead of surfacing to observers.
const errTypeNoActiveSession = "no_active_session"

// SessionState is one phase of the client lifecycle.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateActive       SessionState = "active"
	StateReconnecting SessionState = "reconnecting"
	StateEnded        SessionState = "ended"
)

// Session is the client's view of the logical transcription session. It is
// mutated only by the client's dispatch loop; readers get copies.
type Session struct {
	// SessionID is assigned by the backend on session_started; empty until
	// then and cleared on session_ended.
	SessionID string

	// ConnectionID is assigned by the connect handshake and scopes polling
	// requests.
	ConnectionID string

	// State is the current lifecycle phase.
	State SessionState

	// LastActivityAt is the time of the last inbound message; drives the
	// stall detector.
	LastActivityAt time.Time
}

// StatusChange is one lifecycle transition emitted on [Client.Status].
// Err is non-nil for transitions caused by a failure.
type StatusChange struct {
	State SessionState
	Err   error
}
