// Package syncbus keeps per-replica local caches of transcript/task state
// convergent across same-origin replicas ("tabs") without a central server
// round-trip for every mutation.
//
// Replicas exchange messages over a shared [Channel]. Delivery is
// at-least-once to connected peers with no cross-peer ordering guarantee;
// messages not yet delivered when a replica closes are lost and healed by the
// sync_request/state_sync join protocol.
package syncbus

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of a cross-replica [Message].
type MessageType string

const (
	// Presence.
	TypeTabConnected MessageType = "tab_connected"
	TypeHeartbeat    MessageType = "tab_heartbeat"

	// Mutations, applied by every other replica's local cache.
	TypeTaskCreated       MessageType = "task_created"
	TypeTaskUpdated       MessageType = "task_updated"
	TypeTaskDeleted       MessageType = "task_deleted"
	TypeFilterChanged     MessageType = "filter_changed"
	TypeCacheInvalidated  MessageType = "cache_invalidated"
	TypeTranscriptUpdated MessageType = "transcript_updated"

	// Join/heal protocol.
	TypeSyncRequest MessageType = "sync_request"
	TypeStateSync   MessageType = "state_sync"
)

// IsMutation reports whether t is a cache mutation applied by receivers.
func (t MessageType) IsMutation() bool {
	switch t {
	case TypeTaskCreated, TypeTaskUpdated, TypeTaskDeleted,
		TypeFilterChanged, TypeCacheInvalidated, TypeTranscriptUpdated:
		return true
	}
	return false
}

// Entry is the shared, eventually-consistent projection of one piece of
// transcript/task state. Convergence is last-writer-wins at whole-entry
// granularity: once broadcasts quiesce, all replicas hold byte-equal Values
// per key.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Version   uint64          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Message is one cross-replica broadcast.
type Message struct {
	Type      MessageType `json:"type"`
	FromTab   string      `json:"from_tab"`
	Timestamp time.Time   `json:"timestamp"`

	// Entry carries the mutated state for mutation types.
	Entry *Entry `json:"entry,omitempty"`

	// RequestID correlates a state_sync reply with its sync_request.
	RequestID string `json:"request_id,omitempty"`

	// Snapshot carries the full cache for state_sync replies.
	Snapshot map[string]Entry `json:"snapshot,omitempty"`
}

// Peer is a known live replica on the channel.
type Peer struct {
	// ID is the replica's unique identifier.
	ID string

	// LastSeenAt is when the replica last announced or heartbeat.
	LastSeenAt time.Time

	// Authoritative marks a replica that has answered a sync request.
	// Leadership is advisory only: any peer may answer, first responder
	// wins, and every peer may still broadcast mutations.
	Authoritative bool
}
