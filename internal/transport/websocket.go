package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/capitalrow/minawire/internal/wire"
)

// wsConn is the websocket medium: envelopes as JSON text frames in both
// directions on a single connection.
type wsConn struct {
	conn  *websocket.Conn
	inbox chan wire.Envelope

	mu      sync.Mutex
	readErr error

	closeOnce sync.Once
	closed    chan struct{}
}

// dialWebsocket opens the websocket endpoint derived from the HTTP base URL
// and starts the read loop. The connection ID from the handshake scopes the
// socket to its logical connection.
func dialWebsocket(ctx context.Context, baseURL, connectionID string) (*wsConn, error) {
	wsURL, err := websocketURL(baseURL, connectionID)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial: %w", err)
	}

	c := &wsConn{
		conn:   conn,
		inbox:  make(chan wire.Envelope, inboundBuffer),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// websocketURL converts the HTTP base URL into the ws endpoint.
func websocketURL(baseURL, connectionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("transport: parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("connection_id", connectionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send implements [mediumConn].
func (c *wsConn) Send(ctx context.Context, env wire.Envelope) error {
	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}

	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

// Inbound implements [mediumConn].
func (c *wsConn) Inbound() <-chan wire.Envelope { return c.inbox }

// Err implements [mediumConn].
func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Close implements [mediumConn].
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close(websocket.StatusNormalClosure, "client closed")
	})
	return nil
}

// readLoop decodes inbound frames until the connection dies. Malformed
// frames are skipped; a read error records the cause and closes the inbox.
func (c *wsConn) readLoop() {
	defer close(c.inbox)

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			select {
			case <-c.closed:
				// Clean close, no error to report.
			default:
				c.mu.Lock()
				c.readErr = fmt.Errorf("transport: websocket read: %w", err)
				c.mu.Unlock()
			}
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			continue
		}
		select {
		case c.inbox <- env:
		case <-c.closed:
			return
		}
	}
}

var _ mediumConn = (*wsConn)(nil)
