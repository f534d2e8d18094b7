package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/capitalrow/minawire/internal/capture"
	"github.com/capitalrow/minawire/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":8090"
  log_level: debug
transport:
  base_url: "https://stt.example.com/api"
  mode: websocket
  poll_interval: 100ms
  backoff: 1s
  max_backoff: 30s
  max_attempts: 5
  inactivity_timeout: 5s
delivery:
  retune_interval: 1s
  sweep_interval: 30s
  job_timeout: 30s
  queue_bound: 10
sequencer:
  staleness_bound: 3s
  sweep_interval: 500ms
sync:
  redis_addr: "localhost:6379"
  channel: "minawire.sync"
  heartbeat_interval: 5s
capture:
  source: ffmpeg
  input_format: pulse
  input_device: default
  sample_rate: 16000
  channels: 1
archive:
  postgres_dsn: "postgres://localhost/minawire?sslmode=disable"
export:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic_partial: "transcripts.partial"
  topic_final: "transcripts.final"
  failure_threshold: 5
  cooldown: 30s
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Transport.BaseURL != "https://stt.example.com/api" {
		t.Errorf("base_url: got %q", cfg.Transport.BaseURL)
	}
	if cfg.Transport.Mode != config.TransportWebsocket {
		t.Errorf("mode: got %q, want websocket", cfg.Transport.Mode)
	}
	if cfg.Transport.PollInterval != 100*time.Millisecond {
		t.Errorf("poll_interval: got %s", cfg.Transport.PollInterval)
	}
	if cfg.Delivery.QueueBound != 10 {
		t.Errorf("queue_bound: got %d", cfg.Delivery.QueueBound)
	}
	if cfg.Sequencer.StalenessBound != 3*time.Second {
		t.Errorf("staleness_bound: got %s", cfg.Sequencer.StalenessBound)
	}
	if cfg.Sync.RedisAddr != "localhost:6379" {
		t.Errorf("redis_addr: got %q", cfg.Sync.RedisAddr)
	}
	if len(cfg.Export.Brokers) != 2 {
		t.Errorf("brokers: got %v", cfg.Export.Brokers)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
transport:
  base_url: "http://localhost:8080"
  flux_capacitor: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("\"verbose\" should be invalid")
	}
}

func TestTransportMode_IsValid(t *testing.T) {
	t.Parallel()
	if !config.TransportWebsocket.IsValid() || !config.TransportPolling.IsValid() {
		t.Error("known modes should be valid")
	}
	if config.TransportMode("carrier-pigeon").IsValid() {
		t.Error("unknown mode should be invalid")
	}
}

func TestRegistry_UnknownSource(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	_, err := r.CreateSource(config.CaptureConfig{Source: "microphone-array"})
	if !errors.Is(err, config.ErrSourceNotRegistered) {
		t.Errorf("error = %v, want ErrSourceNotRegistered", err)
	}
}

func TestRegistry_RegisteredSource(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	r.RegisterSource("ffmpeg", func(cfg config.CaptureConfig) (capture.Opener, error) {
		return capture.NewFFmpegOpener(capture.FFmpegConfig{
			Command:    cfg.Command,
			SampleRate: cfg.SampleRate,
		}), nil
	})

	opener, err := r.CreateSource(config.CaptureConfig{Source: "ffmpeg", SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opener == nil {
		t.Fatal("CreateSource returned nil opener")
	}
}

func TestRegistry_EmptySourceDefaultsToFFmpeg(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	r.RegisterSource("ffmpeg", func(config.CaptureConfig) (capture.Opener, error) {
		return capture.NewFFmpegOpener(capture.FFmpegConfig{}), nil
	})

	if _, err := r.CreateSource(config.CaptureConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	wantErr := errors.New("device busy")
	r.RegisterSource("broken", func(config.CaptureConfig) (capture.Opener, error) {
		return nil, wantErr
	})

	_, err := r.CreateSource(config.CaptureConfig{Source: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want the factory error", err)
	}
}
