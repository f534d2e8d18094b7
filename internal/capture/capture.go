// Package capture is the byte-stream boundary for PCM audio. Capture devices
// themselves are external collaborators; this package only yields their
// bytes: an ffmpeg subprocess source for live microphones and an io.Reader
// source for files, stdin, and tests.
package capture

import (
	"context"
	"io"
)

// Default PCM parameters (16 kHz mono signed 16-bit little-endian).
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1

	// BytesPerSample is the width of one s16le sample.
	BytesPerSample = 2
)

// Source yields raw PCM audio. Read follows io.Reader semantics; Stop ends
// the capture and releases its resources. After Stop, Read drains any
// remaining buffered audio and then returns io.EOF.
type Source interface {
	io.Reader

	// Stop ends the capture. Safe to call multiple times.
	Stop() error
}

// Opener starts a capture session. Implementations: [FFmpegOpener] for live
// devices, [NewReaderSource] wrapped in a func for replay.
type Opener interface {
	Open(ctx context.Context) (Source, error)
}

// ChunkBytes converts a chunk duration in milliseconds into an s16le buffer
// size for the given rate and channel count.
func ChunkBytes(chunkMS, sampleRate, channels int) int {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	return chunkMS * sampleRate / 1000 * channels * BytesPerSample
}

// ReaderSource adapts any io.Reader into a [Source].
type ReaderSource struct {
	r io.Reader
}

// NewReaderSource wraps r. If r is an io.Closer, Stop closes it.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

// Read implements [Source].
func (s *ReaderSource) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Stop implements [Source].
func (s *ReaderSource) Stop() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
