package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/capitalrow/minawire/internal/capture"
	"github.com/capitalrow/minawire/internal/delivery"
)

// Recorder lifecycle errors.
var (
	// ErrRecorderActive is returned by Start while a capture is running.
	ErrRecorderActive = errors.New("app: recorder already active")

	// ErrRecorderIdle is returned by Stop when no capture is running.
	ErrRecorderIdle = errors.New("app: recorder not active")
)

// endSessionTimeout bounds the end_session request sent when the pump exits.
const endSessionTimeout = 5 * time.Second

// audioSender is the slice of the transport client the recorder uses.
type audioSender interface {
	StartSession(ctx context.Context) error
	EndSession(ctx context.Context) error
	SendAudioChunk(ctx context.Context, pcm []byte, final bool) error
}

// Recorder owns the capture-to-transport pump. Only one capture can be
// active at a time. Chunk sizes are re-read from the delivery controller on
// every iteration, so pacing retunes apply mid-session without restarting
// the capture.
//
// All exported methods are safe for concurrent use.
type Recorder struct {
	sender     audioSender
	ctrl       *delivery.Controller
	opener     capture.Opener
	sampleRate int
	channels   int

	mu        sync.Mutex
	active    bool
	startedAt time.Time
	source    capture.Source
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// newRecorder creates a [Recorder]. Zero sampleRate and channels get the
// capture defaults.
func newRecorder(sender audioSender, ctrl *delivery.Controller, opener capture.Opener, sampleRate, channels int) *Recorder {
	if sampleRate <= 0 {
		sampleRate = capture.DefaultSampleRate
	}
	if channels <= 0 {
		channels = capture.DefaultChannels
	}
	return &Recorder{
		sender:     sender,
		ctrl:       ctrl,
		opener:     opener,
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// Start opens the capture source, starts a transcription session, and begins
// pumping audio. Returns [ErrRecorderActive] if a capture is already running.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return ErrRecorderActive
	}
	if r.opener == nil {
		return fmt.Errorf("app: no capture source configured")
	}

	source, err := r.opener.Open(ctx)
	if err != nil {
		return fmt.Errorf("app: open capture source: %w", err)
	}
	if err := r.sender.StartSession(ctx); err != nil {
		_ = source.Stop()
		return fmt.Errorf("app: start session: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	r.source = source
	r.cancel = cancel
	r.active = true
	r.startedAt = time.Now()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pump(pumpCtx)
	}()

	slog.Info("recorder started", "sample_rate", r.sampleRate, "channels", r.channels)
	return nil
}

// Stop ends the running capture and waits for the pump to drain. Returns
// [ErrRecorderIdle] when nothing is running.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return ErrRecorderIdle
	}
	cancel := r.cancel
	source := r.source
	r.mu.Unlock()

	cancel()
	// Stopping the source unblocks a pending read.
	if err := source.Stop(); err != nil {
		slog.Warn("capture source stop error", "err", err)
	}
	r.wg.Wait()
	return nil
}

// Active reports whether a capture is currently running.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// StartedAt returns when the current capture began. Zero when idle.
func (r *Recorder) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return time.Time{}
	}
	return r.startedAt
}

// pump reads fixed-size PCM chunks from the source and submits them through
// the transport. A short read means the stream ended; that chunk is marked
// final. Admission errors drop the chunk and keep the capture running.
func (r *Recorder) pump(ctx context.Context) {
	defer func() {
		endCtx, cancel := context.WithTimeout(context.Background(), endSessionTimeout)
		defer cancel()
		if err := r.sender.EndSession(endCtx); err != nil {
			slog.Warn("end session error", "err", err)
		}

		r.mu.Lock()
		r.active = false
		r.source = nil
		r.mu.Unlock()
		slog.Info("recorder stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		size := capture.ChunkBytes(r.ctrl.Params().ChunkMS, r.sampleRate, r.channels)
		buf := make([]byte, size)
		n, err := io.ReadFull(r.source, buf)

		if n > 0 {
			final := err != nil
			if serr := r.sender.SendAudioChunk(ctx, buf[:n], final); serr != nil {
				slog.Warn("audio chunk dropped", "bytes", n, "err", serr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				slog.Error("capture read failed", "err", err)
			}
			return
		}
	}
}
