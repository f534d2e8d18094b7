// Package wire defines the message envelope exchanged with the transcription
// backend and the event types that flow between minawire subsystems.
//
// The same JSON envelope is used in both transport modes (websocket frames and
// polling bodies) so the codec lives here, owned by neither.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of an inbound or outbound [Envelope].
type MessageType string

const (
	// Inbound types.
	TypeSessionStarted      MessageType = "session_started"
	TypeTranscriptionResult MessageType = "transcription_result"
	TypeSessionEnded        MessageType = "session_ended"
	TypeError               MessageType = "error"
	TypePong                MessageType = "pong"

	// Outbound types.
	TypeStartSession MessageType = "start_session"
	TypeAudioChunk   MessageType = "audio_chunk"
	TypeEndSession   MessageType = "end_session"
	TypeFlush        MessageType = "flush"
	TypePing         MessageType = "ping"
)

// IsValid reports whether t is a message type this client understands.
func (t MessageType) IsValid() bool {
	switch t {
	case TypeSessionStarted, TypeTranscriptionResult, TypeSessionEnded,
		TypeError, TypePong,
		TypeStartSession, TypeAudioChunk, TypeEndSession, TypeFlush, TypePing:
		return true
	}
	return false
}

// Envelope is the wire representation of a single message in either
// direction. Optional fields are pointers or zero values depending on type.
type Envelope struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`

	// Transcription result fields.
	Transcript string   `json:"transcript,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	IsFinal    bool     `json:"is_final,omitempty"`
	Sequence   uint64   `json:"sequence,omitempty"`
	EventID    string   `json:"event_id,omitempty"`
	LatencyMS  *float64 `json:"latency_ms,omitempty"`

	// Audio chunk fields (outbound).
	AudioData   string `json:"audio_data,omitempty"` // base64 PCM
	ChunkNumber uint64 `json:"chunk_number,omitempty"`

	// Error fields.
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Decode parses a raw JSON envelope. Unknown message types decode without
// error; callers handle them in their dispatch default arm.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("wire: envelope missing type")
	}
	return env, nil
}

// Encode serialises an envelope to JSON.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return data, nil
}

// EventKind distinguishes provisional from terminal transcription results.
type EventKind string

const (
	// KindInterim is a provisional result for an in-progress utterance. It
	// may be superseded by a later final covering the same window.
	KindInterim EventKind = "interim"

	// KindFinal is the terminal, immutable result for its window.
	KindFinal EventKind = "final"
)

// TranscriptionEvent is one sequenced transcription result. It is immutable
// once decoded; ownership transfers from the transport to the sequencer.
type TranscriptionEvent struct {
	EventID    string
	Sequence   uint64
	Kind       EventKind
	Text       string
	Confidence float64
	Timestamp  time.Time
}

// EventFromEnvelope converts a transcription_result envelope into a
// [TranscriptionEvent]. Envelopes without an event ID get a synthetic one
// derived from the sequence so deduplication still works.
func EventFromEnvelope(env Envelope) TranscriptionEvent {
	kind := KindInterim
	if env.IsFinal {
		kind = KindFinal
	}
	id := env.EventID
	if id == "" {
		id = fmt.Sprintf("seq-%d-%s", env.Sequence, kind)
	}
	return TranscriptionEvent{
		EventID:    id,
		Sequence:   env.Sequence,
		Kind:       kind,
		Text:       env.Transcript,
		Confidence: env.Confidence,
		Timestamp:  time.Now(),
	}
}
