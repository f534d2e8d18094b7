// Package delivery converts noisy latency/memory/network samples into safe
// pacing parameters and provides a bounded, timeout-aware admission queue for
// outbound work.
//
// The controller never retries on behalf of callers: admission and timeout
// errors are returned and retry policy stays with the transport layer.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/capitalrow/minawire/internal/observe"
)

// Sentinel errors returned from [Controller.Submit].
var (
	// ErrQueueOverflow is returned for the oldest queued job when admitting a
	// new one would exceed the queue bound.
	ErrQueueOverflow = errors.New("delivery: queue overflow")

	// ErrJobTimeout is returned for jobs that sat queued longer than the
	// configured job timeout.
	ErrJobTimeout = errors.New("delivery: job timed out in queue")
)

// Metric identifies one of the performance signals the controller observes.
type Metric string

const (
	// MetricLatency is end-to-end request latency in milliseconds.
	MetricLatency Metric = "latency"

	// MetricMemory is heap pressure as a fraction in [0,1].
	MetricMemory Metric = "memory"

	// MetricNetworkDelay is transport-reported delay in milliseconds.
	MetricNetworkDelay Metric = "network_delay"
)

// Params is a snapshot of the derived pacing parameters.
type Params struct {
	// ChunkMS is the audio chunk duration in milliseconds, in [1000, 5000].
	ChunkMS int

	// BufferDepth is how many chunks may sit buffered ahead of dispatch,
	// in [1, 5].
	BufferDepth int

	// MaxConcurrent is the in-flight dispatch limit, in [1, 4].
	MaxConcurrent int
}

// Parameter bounds and tuning thresholds.
const (
	minChunkMS = 1000
	maxChunkMS = 5000

	minBufferDepth = 1
	maxBufferDepth = 5

	minConcurrent = 1
	maxConcurrent = 4

	windowSize = 60 // samples retained per metric

	highLatencyMS    = 500
	lowLatencyMS     = 150
	extremeLatencyMS = 1500

	highMemoryFraction = 0.75
	lowMemoryFraction  = 0.45
)

// Job is one unit of outbound work owned by the admission queue until it is
// dispatched or evicted.
type Job struct {
	// ID identifies the job in logs.
	ID string

	// Payload is the data the job will transmit. The controller never reads
	// it; it is carried for the dispatch function.
	Payload []byte

	// EnqueuedAt is set by Submit.
	EnqueuedAt time.Time

	// Attempts counts how many times the caller has submitted this job.
	Attempts int

	// Do performs the actual transmission once the job is admitted.
	Do func(ctx context.Context) error
}

// Config configures a [Controller]. Zero values get defaults.
type Config struct {
	// RetuneInterval is how often parameters are recomputed. Default 1s.
	RetuneInterval time.Duration

	// SweepInterval is how often the queue is swept for stale jobs.
	// Default 30s.
	SweepInterval time.Duration

	// JobTimeout is the maximum time a job may wait in the queue before it
	// is rejected with [ErrJobTimeout]. Default 30s.
	JobTimeout time.Duration

	// QueueBound is the maximum number of queued (not yet dispatched) jobs.
	// Default 10.
	QueueBound int

	// Metrics receives controller instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// waiter is a queued job plus the channel its Submit call blocks on.
type waiter struct {
	ctx    context.Context
	job    *Job
	result chan error
}

// Controller derives pacing parameters from rolling metric windows and
// admission-controls outbound dispatch.
//
// All methods are safe for concurrent use.
type Controller struct {
	retuneInterval time.Duration
	sweepInterval  time.Duration
	metrics        *observe.Metrics

	mu         sync.Mutex
	jobTimeout time.Duration
	queueBound int
	windows    map[Metric][]float64
	params     Params
	active     int
	queue      []*waiter

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a [Controller] with the given configuration. Call
// [Controller.Start] to begin the retune and sweep loops.
func New(cfg Config) *Controller {
	if cfg.RetuneInterval <= 0 {
		cfg.RetuneInterval = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = 10
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Controller{
		retuneInterval: cfg.RetuneInterval,
		sweepInterval:  cfg.SweepInterval,
		jobTimeout:     cfg.JobTimeout,
		queueBound:     cfg.QueueBound,
		metrics:        cfg.Metrics,
		windows:        make(map[Metric][]float64, 3),
		params: Params{
			ChunkMS:       2000,
			BufferDepth:   3,
			MaxConcurrent: 2,
		},
		done: make(chan struct{}),
	}
}

// Start launches the background retune and sweep loops. They stop when ctx is
// cancelled or [Controller.Stop] is called.
func (c *Controller) Start(ctx context.Context) {
	go c.retuneLoop(ctx)
	go c.sweepLoop(ctx)
}

// Stop halts the background loops. Safe to call multiple times.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// Observe records one sample into the rolling window for metric. Windows are
// silently bounded to the most recent samples; there is no failure mode.
func (c *Controller) Observe(metric Metric, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := append(c.windows[metric], value)
	if len(w) > windowSize {
		// Copy to a fresh slice so dropped samples do not pin the array.
		fresh := make([]float64, windowSize)
		copy(fresh, w[len(w)-windowSize:])
		w = fresh
	}
	c.windows[metric] = w
}

// Params returns the current pacing parameter snapshot.
func (c *Controller) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// QueueDepth returns the number of jobs currently waiting for admission.
func (c *Controller) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Limits returns the current queue bound and job timeout.
func (c *Controller) Limits() (int, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueBound, c.jobTimeout
}

// SetLimits replaces the queue bound and job timeout at runtime. Non-positive
// values keep the current setting. Shrinking the bound below the current
// queue depth evicts the oldest queued jobs, the same policy Submit applies
// on overflow.
func (c *Controller) SetLimits(queueBound int, jobTimeout time.Duration) {
	c.mu.Lock()
	if jobTimeout > 0 {
		c.jobTimeout = jobTimeout
	}
	var evicted []*waiter
	if queueBound > 0 && queueBound != c.queueBound {
		c.queueBound = queueBound
		for len(c.queue) > c.queueBound {
			evicted = append(evicted, c.queue[0])
			c.queue = c.queue[1:]
		}
	}
	c.mu.Unlock()

	for _, w := range evicted {
		w.result <- ErrQueueOverflow
		c.metrics.RecordQueueDrop(context.Background(), "overflow")
		slog.Warn("delivery: queue bound lowered, evicting oldest job",
			"evicted", w.job.ID,
			"bound", queueBound,
		)
	}
}

// Submit admits job for dispatch. If the in-flight count is below the
// concurrency limit the job runs immediately; otherwise it queues. Submit
// blocks until the job completes, is evicted ([ErrQueueOverflow]), times out
// ([ErrJobTimeout]), or ctx is done.
//
// When admitting a job would exceed the queue bound, the OLDEST queued job is
// evicted and failed with [ErrQueueOverflow]; the new job takes its place.
func (c *Controller) Submit(ctx context.Context, job *Job) error {
	job.EnqueuedAt = time.Now()
	job.Attempts++

	c.mu.Lock()
	if c.active < c.params.MaxConcurrent {
		c.active++
		c.mu.Unlock()
		return c.dispatch(ctx, job)
	}

	w := &waiter{ctx: ctx, job: job, result: make(chan error, 1)}
	c.queue = append(c.queue, w)
	if len(c.queue) > c.queueBound {
		oldest := c.queue[0]
		c.queue = c.queue[1:]
		oldest.result <- ErrQueueOverflow
		c.metrics.RecordQueueDrop(ctx, "overflow")
		slog.Warn("delivery: queue overflow, evicting oldest job",
			"evicted", oldest.job.ID,
			"admitted", job.ID,
			"bound", c.queueBound,
		)
	}
	c.mu.Unlock()

	select {
	case err := <-w.result:
		return err
	case <-ctx.Done():
		c.remove(w)
		return ctx.Err()
	}
}

// dispatch runs the job and promotes the next queued waiter on completion.
// Caller must have incremented active under the lock.
func (c *Controller) dispatch(ctx context.Context, job *Job) error {
	start := time.Now()
	err := job.Do(ctx)
	c.metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds())

	c.mu.Lock()
	if len(c.queue) > 0 {
		// Hand the slot directly to the next waiter.
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		go func() {
			next.result <- c.dispatch(next.ctx, next.job)
		}()
	} else {
		c.active--
		c.mu.Unlock()
	}
	return err
}

// remove deletes w from the queue if it is still waiting.
func (c *Controller) remove(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.queue {
		if q == w {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// ─── Background loops ────────────────────────────────────────────────────────

func (c *Controller) retuneLoop(ctx context.Context) {
	ticker := time.NewTicker(c.retuneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.sampleMemory()
			c.Retune()
		}
	}
}

func (c *Controller) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sampleMemory records heap pressure from the Go runtime. The transport feeds
// latency and network-delay samples; memory is the controller's own concern.
func (c *Controller) sampleMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return
	}
	c.Observe(MetricMemory, float64(ms.HeapAlloc)/float64(ms.HeapSys))
}

// Retune recomputes the pacing parameters from the current metric windows.
// Each parameter moves by a bounded step from its previous value rather than
// being reset absolutely, which damps oscillation under noisy signals.
//
// Exported so tests and the config watcher can force a recompute without
// waiting for the ticker.
func (c *Controller) Retune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	latency, haveLatency := c.mean(MetricLatency)
	netDelay, haveDelay := c.mean(MetricNetworkDelay)
	if haveDelay {
		// Network delay rides on top of request latency.
		latency += netDelay
		haveLatency = true
	}
	memory, haveMemory := c.mean(MetricMemory)

	prev := c.params
	next := prev

	// Chunk size: grow under high latency (fewer, larger requests), shrink
	// under low latency (tighter interactivity). ±15% per tick.
	if haveLatency {
		switch {
		case latency > highLatencyMS:
			next.ChunkMS = clampInt(int(float64(prev.ChunkMS)*1.15), minChunkMS, maxChunkMS)
		case latency < lowLatencyMS:
			next.ChunkMS = clampInt(int(float64(prev.ChunkMS)*0.85), minChunkMS, maxChunkMS)
		}
	}

	// Buffer depth: inversely tied to memory pressure, one step per tick.
	if haveMemory {
		switch {
		case memory > highMemoryFraction:
			next.BufferDepth = clampInt(prev.BufferDepth-1, minBufferDepth, maxBufferDepth)
		case memory < lowMemoryFraction:
			next.BufferDepth = clampInt(prev.BufferDepth+1, minBufferDepth, maxBufferDepth)
		}
	}

	// Concurrency: parallel recovery when latency is high but load is low;
	// back off when either signal is extreme.
	switch {
	case haveLatency && latency > extremeLatencyMS,
		haveMemory && memory > highMemoryFraction:
		next.MaxConcurrent = clampInt(prev.MaxConcurrent-1, minConcurrent, maxConcurrent)
	case haveLatency && latency > highLatencyMS && (!haveMemory || memory < highMemoryFraction):
		next.MaxConcurrent = clampInt(prev.MaxConcurrent+1, minConcurrent, maxConcurrent)
	}

	if next != prev {
		slog.Debug("delivery: parameters retuned",
			"chunk_ms", next.ChunkMS,
			"buffer_depth", next.BufferDepth,
			"max_concurrent", next.MaxConcurrent,
			"avg_latency_ms", latency,
			"memory_fraction", memory,
		)
	}
	c.params = next
}

// sweep rejects queued jobs older than the job timeout.
func (c *Controller) sweep(ctx context.Context) {
	c.mu.Lock()
	cutoff := time.Now().Add(-c.jobTimeout)
	var kept []*waiter
	var expired []*waiter
	for _, w := range c.queue {
		if w.job.EnqueuedAt.Before(cutoff) {
			expired = append(expired, w)
		} else {
			kept = append(kept, w)
		}
	}
	c.queue = kept
	c.mu.Unlock()

	for _, w := range expired {
		w.result <- ErrJobTimeout
		c.metrics.RecordQueueDrop(ctx, "timeout")
		slog.Warn("delivery: queued job timed out",
			"job", w.job.ID,
			"queued_for", time.Since(w.job.EnqueuedAt),
		)
	}
}

// mean returns the average of the window for metric. Must be called with
// c.mu held.
func (c *Controller) mean(metric Metric) (float64, bool) {
	w := c.windows[metric]
	if len(w) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum / float64(len(w)), true
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
