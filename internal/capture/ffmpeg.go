package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Subprocess lifecycle bounds.
const (
	// startupGrace is how long ffmpeg gets to fail fast before the session
	// is considered started.
	startupGrace = 250 * time.Millisecond

	// interruptGrace is how long a stopped process gets to exit cleanly
	// before it is killed.
	interruptGrace = 1200 * time.Millisecond
)

// FFmpegConfig configures an [FFmpegOpener]. Zero values get defaults.
type FFmpegConfig struct {
	// Command is the ffmpeg binary. Default "ffmpeg".
	Command string

	// InputFormat is the ffmpeg input demuxer (e.g. "pulse", "alsa",
	// "avfoundation"). Default "pulse".
	InputFormat string

	// InputDevice is the capture device identifier. Default "default".
	InputDevice string

	// SampleRate in Hz. Default 16000.
	SampleRate int

	// Channels is the channel count. Default 1.
	Channels int
}

// FFmpegOpener starts ffmpeg subprocesses that stream raw s16le PCM from a
// capture device to stdout.
type FFmpegOpener struct {
	cfg FFmpegConfig
}

// NewFFmpegOpener creates an [FFmpegOpener] with the given configuration.
func NewFFmpegOpener(cfg FFmpegConfig) *FFmpegOpener {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = DefaultChannels
	}
	return &FFmpegOpener{cfg: cfg}
}

// Open implements [Opener]. It starts the subprocess and waits a short grace
// period so immediate failures (bad device, missing binary) surface here
// rather than as a truncated stream.
func (o *FFmpegOpener) Open(ctx context.Context) (Source, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", o.cfg.InputFormat,
		"-i", o.cfg.InputDevice,
		"-ac", strconv.Itoa(o.cfg.Channels),
		"-ar", strconv.Itoa(o.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, o.cfg.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("capture: ffmpeg exited before capture started: %w: %s",
				err, strings.TrimSpace(stderr.String()))
		}
		return nil, errors.New("capture: ffmpeg exited before capture started")
	case <-time.After(startupGrace):
	}

	return &ffmpegSource{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

// ffmpegSource is one live ffmpeg capture session.
type ffmpegSource struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

// Read implements [Source].
func (s *ffmpegSource) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Stop implements [Source]. The process gets an interrupt first so ffmpeg
// can flush, then a kill after the grace period.
func (s *ffmpegSource) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeExitErr(err)
			}
		case <-time.After(interruptGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeExitErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.stopErr
}

// normalizeExitErr treats a nonzero exit after an interrupt as a normal
// stop.
func normalizeExitErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

var _ Source = (*ffmpegSource)(nil)
var _ Opener = (*FFmpegOpener)(nil)
