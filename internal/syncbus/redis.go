package syncbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// RedisChannel is a [Channel] backed by Redis pub/sub, connecting replicas
// across processes and hosts. Redis pub/sub matches the channel contract:
// delivery to currently connected subscribers only, no persistence, and the
// publisher's own subscription receives the message back.
type RedisChannel struct {
	rdb    *goredis.Client
	name   string
	pubsub *goredis.PubSub
	inbox  chan Message

	closeOnce sync.Once
	closed    chan struct{}
}

// RedisConfig configures a [RedisChannel].
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Password authenticates against the server, if set.
	Password string

	// DB selects the Redis logical database.
	DB int

	// ChannelName is the pub/sub channel shared by all replicas.
	// Default "minawire.sync".
	ChannelName string
}

// NewRedisChannel connects to Redis, subscribes to the shared channel, and
// verifies the connection with a ping.
func NewRedisChannel(ctx context.Context, cfg RedisConfig) (*RedisChannel, error) {
	if cfg.ChannelName == "" {
		cfg.ChannelName = "minawire.sync"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("syncbus: redis ping: %w", err)
	}

	pubsub := rdb.Subscribe(ctx, cfg.ChannelName)
	// Force the subscription to be established before returning so no
	// broadcast published after construction is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("syncbus: redis subscribe %q: %w", cfg.ChannelName, err)
	}

	c := &RedisChannel{
		rdb:    rdb,
		name:   cfg.ChannelName,
		pubsub: pubsub,
		inbox:  make(chan Message, subscriberBuffer),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Publish implements [Channel].
func (c *RedisChannel) Publish(ctx context.Context, msg Message) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("syncbus: marshal message: %w", err)
	}
	if err := c.rdb.Publish(ctx, c.name, payload).Err(); err != nil {
		return fmt.Errorf("syncbus: redis publish: %w", err)
	}
	return nil
}

// Messages implements [Channel].
func (c *RedisChannel) Messages() <-chan Message {
	return c.inbox
}

// Close implements [Channel]. Safe to call multiple times.
func (c *RedisChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.pubsub.Close()
		if cerr := c.rdb.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// readLoop decodes inbound pub/sub payloads and forwards them to the inbox.
// Malformed payloads are logged and skipped.
func (c *RedisChannel) readLoop() {
	defer close(c.inbox)

	for raw := range c.pubsub.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			slog.Warn("syncbus: dropping malformed channel message",
				"channel", c.name,
				"err", err,
			)
			continue
		}
		select {
		case c.inbox <- msg:
		case <-c.closed:
			return
		}
	}
}

// Compile-time check that RedisChannel satisfies Channel.
var _ Channel = (*RedisChannel)(nil)
