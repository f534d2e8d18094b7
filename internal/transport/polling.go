package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/capitalrow/minawire/internal/wire"
)

// defaultPollInterval paces the inbound poll loop in polling mode.
const defaultPollInterval = 100 * time.Millisecond

// pollResponse is the body of a GET /poll reply.
type pollResponse struct {
	HasMessages bool            `json:"has_messages"`
	Messages    json.RawMessage `json:"messages"`
}

// pollConn is the HTTP fallback medium: outbound envelopes as POST /message
// requests, inbound envelopes fetched by a periodic GET /poll loop scoped by
// connection ID.
type pollConn struct {
	baseURL      string
	connectionID string
	httpClient   *http.Client
	interval     time.Duration

	inbox chan wire.Envelope

	mu      sync.Mutex
	pollErr error

	closeOnce sync.Once
	closed    chan struct{}
}

// newPollConn starts the poll loop for an already-handshaken connection.
func newPollConn(baseURL, connectionID string, httpClient *http.Client, interval time.Duration) *pollConn {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	c := &pollConn{
		baseURL:      baseURL,
		connectionID: connectionID,
		httpClient:   httpClient,
		interval:     interval,
		inbox:        make(chan wire.Envelope, inboundBuffer),
		closed:       make(chan struct{}),
	}
	go c.pollLoop()
	return c
}

// Send implements [mediumConn]. The response body may echo the dispatched
// result envelope; if it does, the echo is forwarded to the inbox so both
// mediums deliver results through the same path.
func (c *pollConn) Send(ctx context.Context, env wire.Envelope) error {
	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}

	data, err := wire.Encode(env)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/message?connection_id=%s", c.baseURL, c.connectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("transport: build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transport: post message: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if echo, err := wire.Decode(body); err == nil {
		c.forward(echo)
	}
	return nil
}

// Inbound implements [mediumConn].
func (c *pollConn) Inbound() <-chan wire.Envelope { return c.inbox }

// Err implements [mediumConn].
func (c *pollConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollErr
}

// Close implements [mediumConn].
func (c *pollConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

// pollLoop fetches pending messages every interval until the connection is
// closed or a poll fails. A failed poll is a disconnect: the cause is
// recorded and the inbox closed so the client enters its reconnect path.
func (c *pollConn) pollLoop() {
	defer close(c.inbox)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.pollOnce(); err != nil {
				select {
				case <-c.closed:
				default:
					c.mu.Lock()
					c.pollErr = err
					c.mu.Unlock()
				}
				return
			}
		}
	}
}

// pollOnce performs one GET /poll round trip and forwards any messages.
func (c *pollConn) pollOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	u := fmt.Sprintf("%s/poll?connection_id=%s", c.baseURL, c.connectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("transport: build poll request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transport: poll: unexpected status %d", resp.StatusCode)
	}

	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return fmt.Errorf("transport: decode poll response: %w", err)
	}
	if !pr.HasMessages {
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(pr.Messages, &raw); err != nil {
		return fmt.Errorf("transport: decode poll messages: %w", err)
	}
	for _, m := range raw {
		env, err := wire.Decode(m)
		if err != nil {
			// One malformed message must not kill the connection.
			continue
		}
		c.forward(env)
	}
	return nil
}

// forward delivers env to the inbox unless the connection closed meanwhile.
func (c *pollConn) forward(env wire.Envelope) {
	select {
	case c.inbox <- env:
	case <-c.closed:
	}
}

var _ mediumConn = (*pollConn)(nil)
