package capture

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestChunkBytes(t *testing.T) {
	tests := []struct {
		name       string
		chunkMS    int
		sampleRate int
		channels   int
		want       int
	}{
		{"one second mono 16k", 1000, 16000, 1, 32000},
		{"100ms mono 16k", 100, 16000, 1, 3200},
		{"one second stereo 48k", 1000, 48000, 2, 192000},
		{"defaults applied", 500, 0, 0, 16000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChunkBytes(tt.chunkMS, tt.sampleRate, tt.channels); got != tt.want {
				t.Errorf("ChunkBytes(%d, %d, %d) = %d, want %d",
					tt.chunkMS, tt.sampleRate, tt.channels, got, tt.want)
			}
		})
	}
}

func TestReaderSource_ReadsThrough(t *testing.T) {
	src := NewReaderSource(strings.NewReader("pcm bytes"))

	data, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "pcm bytes" {
		t.Errorf("read %q, want %q", data, "pcm bytes")
	}
	if err := src.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

type closableReader struct {
	*bytes.Reader
	closed bool
}

func (c *closableReader) Close() error {
	c.closed = true
	return nil
}

func TestReaderSource_StopClosesCloser(t *testing.T) {
	r := &closableReader{Reader: bytes.NewReader([]byte("x"))}
	src := NewReaderSource(r)

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !r.closed {
		t.Error("Stop did not close the underlying reader")
	}
}
