package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/capitalrow/minawire/internal/delivery"
	"github.com/capitalrow/minawire/internal/observe"
	"github.com/capitalrow/minawire/internal/wire"
)

// Default connection parameters.
const (
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultMaxAttempts = 5

	// defaultInactivityTimeout is how long an active session may go without
	// inbound traffic before a flush request is sent to recover a stalled
	// capture driver.
	defaultInactivityTimeout = 5 * time.Second

	// stallTickInterval paces the inactivity checks.
	stallTickInterval = 1 * time.Second
)

// connectResponse is the body of the POST /connect handshake reply.
type connectResponse struct {
	ConnectionID     string `json:"connection_id"`
	EnhancedFeatures bool   `json:"enhanced_features"`
}

// audioResponse is the body of a POST /audio reply in polling mode.
type audioResponse struct {
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	ProcessingTimeMS float64 `json:"processing_time_ms"`
}

// Config configures a [Client]. Zero values get defaults.
type Config struct {
	// BaseURL is the backend's HTTP base URL. Required.
	BaseURL string

	// Mode selects the preferred medium. Default [ModeWebsocket]; a failed
	// websocket dial falls back to polling automatically.
	Mode Mode

	// HTTPClient performs handshake, polling, and audio requests.
	// Default [http.DefaultClient].
	HTTPClient *http.Client

	// PollInterval paces the inbound poll loop in polling mode.
	// Default 100ms.
	PollInterval time.Duration

	// Backoff is the initial reconnect backoff. Doubles each attempt up to
	// MaxBackoff. Default 1s.
	Backoff time.Duration

	// MaxBackoff caps the reconnect backoff. Default 30s.
	MaxBackoff time.Duration

	// MaxAttempts bounds connection attempts per connect or reconnect cycle.
	// Exhaustion is terminal. Default 5.
	MaxAttempts int

	// InactivityTimeout is the active-session stall bound. Default 5s.
	InactivityTimeout time.Duration

	// Delivery admission-controls all outbound session traffic. A default
	// controller is created if nil; injecting a started one is expected.
	Delivery *delivery.Controller

	// Metrics receives transport instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Client keeps one logical transcription session alive across transport
// failures. Inbound envelopes are dispatched by a single loop that owns the
// [Session]; decoded transcription results are delivered on
// [Client.Results], lifecycle transitions on [Client.Status].
//
// All methods are safe for concurrent use.
type Client struct {
	baseURL           string
	preferredMode     Mode
	httpClient        *http.Client
	pollInterval      time.Duration
	backoff           time.Duration
	maxBackoff        time.Duration
	maxAttempts       int
	inactivityTimeout time.Duration
	delivery          *delivery.Controller
	metrics           *observe.Metrics

	mu   sync.Mutex
	sess Session
	conn mediumConn
	mode Mode

	chunkNumber atomic.Uint64
	lastFlushAt atomic.Int64 // unix nanos

	results chan wire.TranscriptionEvent
	status  chan StatusChange

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a [Client] with the given configuration.
func New(cfg Config) *Client {
	if cfg.Mode == "" {
		cfg.Mode = ModeWebsocket
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	if cfg.Delivery == nil {
		cfg.Delivery = delivery.New(delivery.Config{})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Client{
		baseURL:           cfg.BaseURL,
		preferredMode:     cfg.Mode,
		httpClient:        cfg.HTTPClient,
		pollInterval:      cfg.PollInterval,
		backoff:           cfg.Backoff,
		maxBackoff:        cfg.MaxBackoff,
		maxAttempts:       cfg.MaxAttempts,
		inactivityTimeout: cfg.InactivityTimeout,
		delivery:          cfg.Delivery,
		metrics:           cfg.Metrics,
		mode:              cfg.Mode,
		sess:              Session{State: StateDisconnected},
		results:           make(chan wire.TranscriptionEvent, 64),
		status:            make(chan StatusChange, 16),
		done:              make(chan struct{}),
	}
}

// Results is the stream of decoded transcription events.
func (c *Client) Results() <-chan wire.TranscriptionEvent { return c.results }

// Status is the stream of lifecycle transitions. Sends are non-blocking:
// a lagging observer misses transitions instead of stalling the data path.
func (c *Client) Status() <-chan StatusChange { return c.status }

// Session returns a copy of the current session state.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Connect establishes the connection with bounded backoff and starts the
// dispatch loop. Exhausting the attempt budget returns
// [ErrConnectionFailed]; no background reconnection continues after that.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting, nil)

	if err := c.connectWithBackoff(ctx); err != nil {
		return err
	}
	c.setState(StateConnected, nil)

	go c.run(ctx)
	return nil
}

// Close tears down the connection and stops the dispatch loop. Safe to call
// multiple times.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ─── Session operations ──────────────────────────────────────────────────────

// StartSession asks the backend to begin a transcription session. The
// session becomes active when session_started arrives.
func (c *Client) StartSession(ctx context.Context) error {
	return c.submitEnvelope(ctx, wire.Envelope{Type: wire.TypeStartSession})
}

// EndSession asks the backend to finish the session. The session ID is
// cleared when session_ended arrives.
func (c *Client) EndSession(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sess.SessionID
	c.mu.Unlock()
	return c.submitEnvelope(ctx, wire.Envelope{Type: wire.TypeEndSession, SessionID: sessionID})
}

// SendAudioChunk transmits one PCM chunk through the delivery controller.
// Chunks carry a monotonic chunk number so downstream gap detection works;
// final marks the last chunk of the capture.
//
// Admission errors (eviction, queue timeout) are returned to the caller and
// never retried here.
func (c *Client) SendAudioChunk(ctx context.Context, pcm []byte, final bool) error {
	chunkNumber := c.chunkNumber.Add(1)

	job := &delivery.Job{
		ID:      uuid.NewString(),
		Payload: pcm,
		Do: func(ctx context.Context) error {
			return c.transmitAudio(ctx, pcm, chunkNumber, final)
		},
	}
	return c.delivery.Submit(ctx, job)
}

// submitEnvelope routes one control envelope through the delivery
// controller so pacing applies uniformly in both modes.
func (c *Client) submitEnvelope(ctx context.Context, env wire.Envelope) error {
	job := &delivery.Job{
		ID: uuid.NewString(),
		Do: func(ctx context.Context) error {
			conn := c.currentConn()
			if conn == nil {
				return ErrNotConnected
			}
			return conn.Send(ctx, env)
		},
	}
	return c.delivery.Submit(ctx, job)
}

// transmitAudio sends one chunk over the active medium. Websocket mode
// shares the envelope codec; polling mode uses the dedicated audio endpoint
// whose reply carries the backend's processing time.
func (c *Client) transmitAudio(ctx context.Context, pcm []byte, chunkNumber uint64, final bool) error {
	c.mu.Lock()
	mode := c.mode
	sessionID := c.sess.SessionID
	conn := c.conn
	c.mu.Unlock()

	env := wire.Envelope{
		Type:        wire.TypeAudioChunk,
		SessionID:   sessionID,
		AudioData:   base64.StdEncoding.EncodeToString(pcm),
		ChunkNumber: chunkNumber,
		IsFinal:     final,
	}

	start := time.Now()
	defer func() {
		c.metrics.UploadDuration.Record(ctx, time.Since(start).Seconds())
	}()

	if mode == ModeWebsocket {
		if conn == nil {
			return ErrNotConnected
		}
		return conn.Send(ctx, env)
	}
	return c.postAudio(ctx, env, start)
}

// postAudio uploads one chunk via POST /audio and feeds the reply's
// processing time into the delivery controller's latency window. The
// residual round-trip time becomes the network-delay sample.
func (c *Client) postAudio(ctx context.Context, env wire.Envelope, start time.Time) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encode audio request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build audio request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: post audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transport: post audio: unexpected status %d", resp.StatusCode)
	}

	var ar audioResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("transport: decode audio response: %w", err)
	}

	elapsedMS := float64(time.Since(start)) / float64(time.Millisecond)
	c.delivery.Observe(delivery.MetricLatency, ar.ProcessingTimeMS)
	if delay := elapsedMS - ar.ProcessingTimeMS; delay > 0 {
		c.delivery.Observe(delivery.MetricNetworkDelay, delay)
	}
	return nil
}

// ─── Connection management ───────────────────────────────────────────────────

// connectWithBackoff runs the bounded attempt loop shared by Connect and the
// reconnect path.
func (c *Client) connectWithBackoff(ctx context.Context) error {
	backoff := c.backoff

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrNotConnected
		default:
		}

		err := c.establish(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("transport: connection established",
					"attempt", attempt,
					"mode", c.Mode(),
				)
			}
			return nil
		}
		c.metrics.ReconnectAttempts.Add(ctx, 1)

		slog.Warn("transport: connection attempt failed",
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"backoff", backoff,
			"error", err,
		)
		if attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrNotConnected
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}

	c.setState(StateDisconnected, ErrConnectionFailed)
	return ErrConnectionFailed
}

// establish performs the handshake and opens the preferred medium, falling
// back to polling when the websocket dial fails.
func (c *Client) establish(ctx context.Context) error {
	connectionID, err := c.handshake(ctx)
	if err != nil {
		return err
	}

	mode := c.preferredMode
	var conn mediumConn
	if mode == ModeWebsocket {
		conn, err = dialWebsocket(ctx, c.baseURL, connectionID)
		if err != nil {
			slog.Warn("transport: websocket dial failed, falling back to polling",
				"error", err,
			)
			mode = ModePolling
		}
	}
	if conn == nil {
		conn = newPollConn(c.baseURL, connectionID, c.httpClient, c.pollInterval)
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.mode = mode
	c.sess.ConnectionID = connectionID
	c.sess.LastActivityAt = time.Now()
	c.mu.Unlock()
	return nil
}

// handshake performs the POST /connect round trip.
func (c *Client) handshake(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/connect", nil)
	if err != nil {
		return "", fmt.Errorf("transport: build connect request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transport: connect: unexpected status %d", resp.StatusCode)
	}

	var cr connectResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("transport: decode connect response: %w", err)
	}
	if cr.ConnectionID == "" {
		return "", fmt.Errorf("transport: connect: empty connection_id")
	}
	return cr.ConnectionID, nil
}

// run is the dispatch loop: it consumes the live connection until it dies,
// then reconnects and resumes. It exits on Close, context cancellation, or
// terminal connection failure.
func (c *Client) run(ctx context.Context) {
	ticker := time.NewTicker(stallTickInterval)
	defer ticker.Stop()

	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}

	consume:
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
				c.checkStall(ctx)
			case env, ok := <-conn.Inbound():
				if !ok {
					break consume
				}
				c.handle(ctx, env)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if !c.reconnect(ctx, conn.Err()) {
			return
		}
	}
}

// reconnect runs one bounded reconnect cycle after a connection drop. On
// success the session is re-handshaken and, if one was active, restarted.
// Returns false when the cycle is terminal.
func (c *Client) reconnect(ctx context.Context, cause error) bool {
	c.mu.Lock()
	wasActive := c.sess.State == StateActive
	c.sess.SessionID = ""
	c.mu.Unlock()

	slog.Warn("transport: connection lost, reconnecting", "error", cause)
	c.setState(StateReconnecting, cause)

	if err := c.connectWithBackoff(ctx); err != nil {
		return false
	}
	c.setState(StateConnected, nil)

	if wasActive {
		if err := c.StartSession(ctx); err != nil {
			slog.Error("transport: session restart after reconnect failed", "error", err)
		}
	}
	return true
}

// checkStall sends a flush request when an active session has been silent
// past the inactivity timeout. At most one flush per timeout window.
func (c *Client) checkStall(ctx context.Context) {
	c.mu.Lock()
	active := c.sess.State == StateActive
	idle := time.Since(c.sess.LastActivityAt)
	sessionID := c.sess.SessionID
	conn := c.conn
	c.mu.Unlock()

	if !active || conn == nil || idle < c.inactivityTimeout {
		return
	}
	last := time.Unix(0, c.lastFlushAt.Load())
	if time.Since(last) < c.inactivityTimeout {
		return
	}
	c.lastFlushAt.Store(time.Now().UnixNano())

	slog.Debug("transport: session stalled, requesting flush", "idle", idle)
	if err := conn.Send(ctx, wire.Envelope{Type: wire.TypeFlush, SessionID: sessionID}); err != nil {
		slog.Warn("transport: flush request failed", "error", err)
	}
}

// handle dispatches one inbound envelope.
func (c *Client) handle(ctx context.Context, env wire.Envelope) {
	c.mu.Lock()
	c.sess.LastActivityAt = time.Now()
	c.mu.Unlock()

	c.metrics.RecordMessage(ctx, string(env.Type))

	switch env.Type {
	case wire.TypeSessionStarted:
		c.mu.Lock()
		c.sess.SessionID = env.SessionID
		c.mu.Unlock()
		c.setState(StateActive, nil)

	case wire.TypeTranscriptionResult:
		ev := wire.EventFromEnvelope(env)
		select {
		case c.results <- ev:
		case <-c.done:
		case <-ctx.Done():
		}

	case wire.TypeSessionEnded:
		c.mu.Lock()
		c.sess.SessionID = ""
		c.mu.Unlock()
		c.setState(StateEnded, nil)

	case wire.TypeError:
		c.handleServerError(ctx, env)

	case wire.TypePong:
		if env.LatencyMS != nil {
			c.delivery.Observe(delivery.MetricLatency, *env.LatencyMS)
		}

	default:
		slog.Debug("transport: ignoring unknown message type", "type", env.Type)
	}
}

// handleServerError classifies an error envelope. A no_active_session error
// means the backend lost the session (restart, timeout); it is recovered by
// restarting the session instead of surfacing to observers.
func (c *Client) handleServerError(ctx context.Context, env wire.Envelope) {
	if env.ErrorType == errTypeNoActiveSession {
		slog.Info("transport: backend lost session, restarting")
		go func() {
			if err := c.StartSession(ctx); err != nil {
				slog.Error("transport: automatic session restart failed", "error", err)
			}
		}()
		return
	}

	serr := &ServerError{Type: env.ErrorType, Message: env.Message}
	slog.Warn("transport: server error", "error_type", serr.Type, "message", serr.Message)
	c.emitStatus(StatusChange{State: c.Session().State, Err: serr})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (c *Client) currentConn() mediumConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Mode reports the medium currently in use. It may differ from the
// configured mode after a websocket fallback.
func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// setState records the new lifecycle state and emits a status change.
func (c *Client) setState(state SessionState, err error) {
	c.mu.Lock()
	c.sess.State = state
	c.mu.Unlock()
	c.emitStatus(StatusChange{State: state, Err: err})
}

// emitStatus never blocks: a full status channel drops the transition.
func (c *Client) emitStatus(sc StatusChange) {
	select {
	case c.status <- sc:
	default:
	}
}
