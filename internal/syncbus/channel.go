package syncbus

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Publish after the channel is closed.
var ErrChannelClosed = errors.New("syncbus: channel closed")

// Channel is the shared broadcast medium connecting replicas. Semantics:
// at-least-once delivery to connected subscribers, no cross-subscriber
// ordering guarantee, no delivery to subscribers that close mid-broadcast.
//
// Publishers receive their own messages back; the coordinator filters its
// echo by tab ID.
type Channel interface {
	// Publish broadcasts msg to all subscribers of the shared channel.
	Publish(ctx context.Context, msg Message) error

	// Messages returns the inbound message stream. The channel is closed
	// when the Channel is closed.
	Messages() <-chan Message

	// Close detaches from the shared channel and releases resources.
	Close() error
}

// subscriberBuffer is the per-subscriber inbound buffer depth. A subscriber
// that lags beyond it loses messages, matching the medium's no-guarantee
// semantics for closing peers.
const subscriberBuffer = 64

// LoopbackHub is an in-process broadcast hub connecting replicas running in
// the same process. It implements the same delivery contract as the Redis
// channel so the coordinator is agnostic to the medium.
//
// All methods are safe for concurrent use.
type LoopbackHub struct {
	mu     sync.Mutex
	subs   map[*LoopbackChannel]struct{}
	closed bool
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{subs: make(map[*LoopbackChannel]struct{})}
}

// Subscribe attaches a new channel to the hub.
func (h *LoopbackHub) Subscribe() *LoopbackChannel {
	ch := &LoopbackChannel{
		hub:    h,
		inbox:  make(chan Message, subscriberBuffer),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// broadcast delivers msg to every subscriber. Full inboxes are skipped: a
// subscriber that stopped draining is treated as closing.
func (h *LoopbackHub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.inbox <- msg:
		default:
		}
	}
}

// remove detaches sub from the hub.
func (h *LoopbackHub) remove(sub *LoopbackChannel) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// LoopbackChannel is one subscriber's endpoint on a [LoopbackHub].
type LoopbackChannel struct {
	hub   *LoopbackHub
	inbox chan Message

	closeOnce sync.Once
	closed    chan struct{}
}

// Publish implements [Channel].
func (c *LoopbackChannel) Publish(_ context.Context, msg Message) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	c.hub.broadcast(msg)
	return nil
}

// Messages implements [Channel].
func (c *LoopbackChannel) Messages() <-chan Message {
	return c.inbox
}

// Close implements [Channel]. Safe to call multiple times.
func (c *LoopbackChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.hub.remove(c)
		close(c.inbox)
	})
	return nil
}

// Compile-time check that LoopbackChannel satisfies Channel.
var _ Channel = (*LoopbackChannel)(nil)
