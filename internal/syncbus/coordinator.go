package syncbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalrow/minawire/internal/observe"
)

// Default presence parameters.
const (
	defaultHeartbeatInterval = 5 * time.Second

	// missedHeartbeats is how many intervals a peer may go silent before it
	// is pruned.
	missedHeartbeats = 3
)

// Config configures a [Coordinator]. Zero values get defaults.
type Config struct {
	// Channel is the shared broadcast medium. Required.
	Channel Channel

	// HeartbeatInterval paces presence heartbeats and peer pruning.
	// Default 5s.
	HeartbeatInterval time.Duration

	// Metrics receives coordinator instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Coordinator is one replica's endpoint on the sync channel. It owns the
// replica's local cache: mutations enter through Put/Delete (local) or
// through broadcasts (remote); nothing else writes the cache.
//
// Convergence is last-writer-wins at whole-entry granularity. Concurrent
// edits of the same entry in two replicas are not reconciled beyond "last
// broadcast observed wins" — a documented limitation of the medium, not a
// bug. Snapshot merges during the join protocol are per-key LWW by version
// (then timestamp), which is safe because versions only grow.
//
// All methods are safe for concurrent use.
type Coordinator struct {
	tabID             string
	channel           Channel
	heartbeatInterval time.Duration
	metrics           *observe.Metrics

	mu      sync.Mutex
	cache   map[string]Entry
	peers   map[string]*Peer
	pending map[string]time.Time // unanswered sync request ID -> requested at

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a [Coordinator] with a freshly generated tab ID. Call
// [Coordinator.Start] to join the channel.
func New(cfg Config) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Coordinator{
		tabID:             uuid.NewString(),
		channel:           cfg.Channel,
		heartbeatInterval: cfg.HeartbeatInterval,
		metrics:           cfg.Metrics,
		cache:             make(map[string]Entry),
		peers:             make(map[string]*Peer),
		pending:           make(map[string]time.Time),
		done:              make(chan struct{}),
	}
}

// TabID returns this replica's unique identifier.
func (c *Coordinator) TabID() string { return c.tabID }

// Start announces this replica, requests an initial state sync, and runs the
// receive and heartbeat loops until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.publish(ctx, Message{Type: TypeTabConnected}); err != nil {
		return err
	}
	if err := c.RequestSync(ctx); err != nil {
		return err
	}

	go c.receiveLoop(ctx)
	go c.heartbeatLoop(ctx)
	return nil
}

// Stop halts the background loops. Safe to call multiple times.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// ─── Local mutations ─────────────────────────────────────────────────────────

// Put writes value under key in the local cache and broadcasts the mutation
// as msgType (one of the mutation message types). The entry's version is the
// local version plus one.
func (c *Coordinator) Put(ctx context.Context, msgType MessageType, key string, value json.RawMessage) error {
	c.mu.Lock()
	entry := Entry{
		Key:       key,
		Value:     value,
		Version:   c.cache[key].Version + 1,
		UpdatedAt: time.Now(),
	}
	c.cache[key] = entry
	c.mu.Unlock()

	return c.publish(ctx, Message{Type: msgType, Entry: &entry})
}

// Delete removes key from the local cache and broadcasts a task_deleted
// mutation.
func (c *Coordinator) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	version := c.cache[key].Version + 1
	delete(c.cache, key)
	c.mu.Unlock()

	return c.publish(ctx, Message{
		Type:  TypeTaskDeleted,
		Entry: &Entry{Key: key, Version: version, UpdatedAt: time.Now()},
	})
}

// Invalidate drops the entire local cache and broadcasts cache_invalidated
// so every replica does the same.
func (c *Coordinator) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	c.cache = make(map[string]Entry)
	c.mu.Unlock()

	return c.publish(ctx, Message{Type: TypeCacheInvalidated})
}

// RequestSync asks the channel for a full state snapshot. Any peer holding
// state may answer; the first state_sync reply for this request is applied
// and the request is discarded, so later replies find nothing to answer.
// Requests nothing answers are pruned by the heartbeat loop. Called on join
// and on reactivation.
func (c *Coordinator) RequestSync(ctx context.Context) error {
	requestID := uuid.NewString()

	c.mu.Lock()
	c.pending[requestID] = time.Now()
	c.mu.Unlock()

	return c.publish(ctx, Message{Type: TypeSyncRequest, RequestID: requestID})
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// Get returns the cache entry for key.
func (c *Coordinator) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[key]
	return e, ok
}

// CacheSnapshot returns a copy of the local cache.
func (c *Coordinator) CacheSnapshot() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

// Peers returns the currently known live peers.
func (c *Coordinator) Peers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, *p)
	}
	return out
}

// ─── Loops & dispatch ────────────────────────────────────────────────────────

func (c *Coordinator) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg, ok := <-c.channel.Messages():
			if !ok {
				return
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.publish(ctx, Message{Type: TypeHeartbeat}); err != nil {
				slog.Warn("syncbus: heartbeat publish failed", "err", err)
			}
			c.prunePeers(ctx)
			c.pruneSyncRequests()
		}
	}
}

// handle dispatches one inbound message. The replica's own echo is filtered
// here by tab ID.
func (c *Coordinator) handle(ctx context.Context, msg Message) {
	if msg.FromTab == c.tabID {
		return
	}
	c.metrics.RecordBroadcast(ctx, string(msg.Type))

	switch msg.Type {
	case TypeTabConnected, TypeHeartbeat:
		c.touchPeer(ctx, msg.FromTab)

	case TypeTaskCreated, TypeTaskUpdated, TypeFilterChanged, TypeTranscriptUpdated:
		c.touchPeer(ctx, msg.FromTab)
		if msg.Entry == nil {
			return
		}
		// Live mutations apply unconditionally: last broadcast observed wins.
		c.mu.Lock()
		c.cache[msg.Entry.Key] = *msg.Entry
		c.mu.Unlock()

	case TypeTaskDeleted:
		c.touchPeer(ctx, msg.FromTab)
		if msg.Entry == nil {
			return
		}
		c.mu.Lock()
		delete(c.cache, msg.Entry.Key)
		c.mu.Unlock()

	case TypeCacheInvalidated:
		c.touchPeer(ctx, msg.FromTab)
		c.mu.Lock()
		c.cache = make(map[string]Entry)
		c.mu.Unlock()

	case TypeSyncRequest:
		c.touchPeer(ctx, msg.FromTab)
		c.answerSyncRequest(ctx, msg)

	case TypeStateSync:
		c.touchPeer(ctx, msg.FromTab)
		c.applyStateSync(ctx, msg)

	default:
		slog.Debug("syncbus: ignoring unknown message type",
			"type", msg.Type,
			"from", msg.FromTab,
		)
	}
}

// answerSyncRequest replies with a full snapshot when this replica holds
// state. Every holding peer answers; the requester keeps the first reply.
func (c *Coordinator) answerSyncRequest(ctx context.Context, req Message) {
	c.mu.Lock()
	if len(c.cache) == 0 {
		c.mu.Unlock()
		return
	}
	snapshot := make(map[string]Entry, len(c.cache))
	for k, v := range c.cache {
		snapshot[k] = v
	}
	c.mu.Unlock()

	err := c.publish(ctx, Message{
		Type:      TypeStateSync,
		RequestID: req.RequestID,
		Snapshot:  snapshot,
	})
	if err != nil {
		slog.Warn("syncbus: state_sync reply failed",
			"request_id", req.RequestID,
			"err", err,
		)
		return
	}
	c.metrics.SyncSnapshots.Add(ctx, 1)
}

// applyStateSync merges the first snapshot answering one of our pending sync
// requests; later answers for the same request are ignored (first responder
// wins). The merge is per-key LWW by version, then timestamp.
func (c *Coordinator) applyStateSync(ctx context.Context, msg Message) {
	c.mu.Lock()
	if _, waiting := c.pending[msg.RequestID]; !waiting {
		c.mu.Unlock()
		return
	}
	// First responder wins: dropping the request makes later replies no-ops.
	delete(c.pending, msg.RequestID)

	for key, incoming := range msg.Snapshot {
		local, exists := c.cache[key]
		if !exists || incoming.Version > local.Version ||
			(incoming.Version == local.Version && incoming.UpdatedAt.After(local.UpdatedAt)) {
			c.cache[key] = incoming
		}
	}
	if p, ok := c.peers[msg.FromTab]; ok {
		p.Authoritative = true
	}
	c.mu.Unlock()

	slog.Debug("syncbus: applied state sync",
		"request_id", msg.RequestID,
		"from", msg.FromTab,
		"entries", len(msg.Snapshot),
	)
}

// touchPeer records peer liveness, creating the peer on first sight.
func (c *Coordinator) touchPeer(ctx context.Context, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	p, ok := c.peers[id]
	if !ok {
		p = &Peer{ID: id}
		c.peers[id] = p
		c.metrics.SyncPeers.Add(ctx, 1)
	}
	p.LastSeenAt = time.Now()
	c.mu.Unlock()
}

// prunePeers drops peers that missed too many heartbeats.
func (c *Coordinator) prunePeers(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(missedHeartbeats) * c.heartbeatInterval)

	c.mu.Lock()
	for id, p := range c.peers {
		if p.LastSeenAt.Before(cutoff) {
			delete(c.peers, id)
			c.metrics.SyncPeers.Add(ctx, -1)
			slog.Debug("syncbus: pruned silent peer", "peer", id)
		}
	}
	c.mu.Unlock()
}

// pruneSyncRequests drops sync requests nothing ever answered, e.g. when no
// peer held state at request time. Uses the same silence window as peer
// pruning.
func (c *Coordinator) pruneSyncRequests() {
	cutoff := time.Now().Add(-time.Duration(missedHeartbeats) * c.heartbeatInterval)

	c.mu.Lock()
	for id, requestedAt := range c.pending {
		if requestedAt.Before(cutoff) {
			delete(c.pending, id)
			slog.Debug("syncbus: pruned unanswered sync request", "request_id", id)
		}
	}
	c.mu.Unlock()
}

// publish stamps and sends msg on the channel.
func (c *Coordinator) publish(ctx context.Context, msg Message) error {
	msg.FromTab = c.tabID
	msg.Timestamp = time.Now()
	return c.channel.Publish(ctx, msg)
}
