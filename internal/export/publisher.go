// Package export publishes transcript events to Kafka, with interim and
// final results on separate topics.
//
// Export is optional: with no brokers configured the publisher runs in
// log-only mode, and a cooldown gate stops publish attempts after repeated
// broker failures so a dead cluster cannot stall the transcript pipeline.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/capitalrow/minawire/internal/observe"
	"github.com/capitalrow/minawire/internal/sequencer"
	"github.com/capitalrow/minawire/internal/wire"
)

// Cooldown gate defaults.
const (
	// defaultFailureThreshold is how many consecutive publish failures open
	// the gate.
	defaultFailureThreshold = 5

	// defaultCooldown is how long the gate stays open before the next
	// publish is allowed through as a probe.
	defaultCooldown = 30 * time.Second
)

// messageWriter is the slice of kafka.Writer the publisher depends on.
// Tests inject fakes.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the JSON payload published for one transcript segment.
type Event struct {
	SessionID  string    `json:"session_id"`
	EventID    string    `json:"event_id"`
	Sequence   uint64    `json:"sequence"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	IsGap      bool      `json:"is_gap,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Config configures a [Publisher].
type Config struct {
	// Brokers is the Kafka bootstrap address list. Empty disables publishing
	// (log-only mode).
	Brokers []string

	// TopicPartial receives interim transcript events.
	// Default "minawire.transcripts.partial".
	TopicPartial string

	// TopicFinal receives final transcript events.
	// Default "minawire.transcripts.final".
	TopicFinal string

	// FailureThreshold is how many consecutive failures open the cooldown
	// gate. Default 5.
	FailureThreshold int

	// Cooldown is how long the gate stays open. Default 30s.
	Cooldown time.Duration

	// Metrics receives publisher instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Publisher writes transcript events to per-kind Kafka topics, keyed by
// session ID so one session's events stay in partition order.
//
// All methods are safe for concurrent use.
type Publisher struct {
	writerPartial messageWriter
	writerFinal   messageWriter
	topicPartial  string
	topicFinal    string
	enabled       bool
	metrics       *observe.Metrics

	mu                  sync.Mutex
	failureThreshold    int
	cooldown            time.Duration
	consecutiveFailures int
	gateOpenedAt        time.Time
}

// New creates a [Publisher]. With no brokers configured it runs in log-only
// mode: events are logged at debug level and publishing always succeeds.
func New(cfg Config) *Publisher {
	if cfg.TopicPartial == "" {
		cfg.TopicPartial = "minawire.transcripts.partial"
	}
	if cfg.TopicFinal == "" {
		cfg.TopicFinal = "minawire.transcripts.final"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	p := &Publisher{
		topicPartial:     cfg.TopicPartial,
		topicFinal:       cfg.TopicFinal,
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		metrics:          cfg.Metrics,
	}

	if len(cfg.Brokers) == 0 {
		slog.Info("export: no brokers configured, using log-only mode")
		return p
	}

	p.enabled = true
	p.writerPartial = newTopicWriter(cfg.Brokers, cfg.TopicPartial)
	p.writerFinal = newTopicWriter(cfg.Brokers, cfg.TopicFinal)

	slog.Info("export: kafka publisher initialized",
		"brokers", cfg.Brokers,
		"topic_partial", cfg.TopicPartial,
		"topic_final", cfg.TopicFinal,
	)
	return p
}

// newTopicWriter builds one kafka.Writer for a topic.
func newTopicWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}
}

// PublishSegment publishes one applied sequencer segment for sessionID.
// Finals and gap markers go to the final topic.
func (p *Publisher) PublishSegment(ctx context.Context, sessionID string, seg sequencer.Segment) error {
	ev := Event{
		SessionID:  sessionID,
		EventID:    seg.EventID,
		Sequence:   seg.Sequence,
		Kind:       string(seg.Kind),
		Text:       seg.Text,
		Confidence: seg.Confidence,
		IsGap:      seg.IsGap,
		Timestamp:  seg.Timestamp,
	}
	if seg.Kind == wire.KindInterim {
		return p.publish(ctx, p.writerPartial, p.topicPartial, "partial", ev)
	}
	return p.publish(ctx, p.writerFinal, p.topicFinal, "final", ev)
}

// Close flushes and closes the underlying writers.
func (p *Publisher) Close() error {
	if !p.enabled {
		return nil
	}
	var firstErr error
	for _, w := range []messageWriter{p.writerPartial, p.writerFinal} {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetGatePolicy replaces the cooldown gate tuning at runtime. Non-positive
// values keep the current setting. When a lowered threshold is already
// crossed by the running failure count, the gate opens immediately.
func (p *Publisher) SetGatePolicy(threshold int, cooldown time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cooldown > 0 {
		p.cooldown = cooldown
	}
	if threshold <= 0 || threshold == p.failureThreshold {
		return
	}
	if p.consecutiveFailures >= threshold && p.consecutiveFailures < p.failureThreshold {
		p.gateOpenedAt = time.Now()
		slog.Warn("export: cooldown gate opened",
			"failures", p.consecutiveFailures,
			"cooldown", p.cooldown,
		)
	}
	p.failureThreshold = threshold
}

// GateOpen reports whether the cooldown gate is currently rejecting
// publishes.
func (p *Publisher) GateOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gateBlockedLocked(time.Now())
}

// publish writes one event through the gate.
func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, kind string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("export: marshal event: %w", err)
	}

	if !p.enabled {
		slog.Debug("export: log-only publish",
			"topic", topic,
			"session_id", ev.SessionID,
			"sequence", ev.Sequence,
		)
		p.metrics.RecordExportPublish(ctx, kind, "disabled")
		return nil
	}

	now := time.Now()
	p.mu.Lock()
	if p.gateBlockedLocked(now) {
		p.mu.Unlock()
		p.metrics.RecordExportPublish(ctx, kind, "gated")
		return nil
	}
	p.mu.Unlock()

	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(kind)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.recordFailure(now)
		p.metrics.RecordExportPublish(ctx, kind, "error")
		slog.Warn("export: publish failed",
			"topic", topic,
			"session_id", ev.SessionID,
			"error", err,
		)
		return fmt.Errorf("export: publish to %s: %w", topic, err)
	}

	p.mu.Lock()
	p.consecutiveFailures = 0
	p.mu.Unlock()
	p.metrics.RecordExportPublish(ctx, kind, "ok")
	return nil
}

// gateBlockedLocked reports whether the gate rejects publishes at now.
// Once the cooldown elapses the failure count resets so exactly one probe
// publish goes through; its outcome re-opens or clears the gate.
func (p *Publisher) gateBlockedLocked(now time.Time) bool {
	if p.consecutiveFailures < p.failureThreshold {
		return false
	}
	if now.Sub(p.gateOpenedAt) >= p.cooldown {
		p.consecutiveFailures = p.failureThreshold - 1
		return false
	}
	return true
}

// recordFailure bumps the failure count and opens the gate at the
// threshold.
func (p *Publisher) recordFailure(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures++
	if p.consecutiveFailures == p.failureThreshold {
		p.gateOpenedAt = now
		slog.Warn("export: cooldown gate opened",
			"failures", p.consecutiveFailures,
			"cooldown", p.cooldown,
		)
	}
}
