package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transport
	if cfg.Transport.BaseURL == "" {
		errs = append(errs, errors.New("transport.base_url is required"))
	} else if u, err := url.Parse(cfg.Transport.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("transport.base_url %q is not a valid http(s) URL", cfg.Transport.BaseURL))
	}
	if cfg.Transport.Mode != "" && !cfg.Transport.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("transport.mode %q is invalid; valid values: websocket, polling", cfg.Transport.Mode))
	}
	if cfg.Transport.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.max_attempts %d must not be negative", cfg.Transport.MaxAttempts))
	}
	errs = appendDurationErr(errs, "transport.poll_interval", cfg.Transport.PollInterval)
	errs = appendDurationErr(errs, "transport.backoff", cfg.Transport.Backoff)
	errs = appendDurationErr(errs, "transport.max_backoff", cfg.Transport.MaxBackoff)
	errs = appendDurationErr(errs, "transport.inactivity_timeout", cfg.Transport.InactivityTimeout)
	if cfg.Transport.Backoff > 0 && cfg.Transport.MaxBackoff > 0 && cfg.Transport.Backoff > cfg.Transport.MaxBackoff {
		errs = append(errs, fmt.Errorf("transport.backoff %s exceeds transport.max_backoff %s", cfg.Transport.Backoff, cfg.Transport.MaxBackoff))
	}

	// Delivery
	if cfg.Delivery.QueueBound < 0 {
		errs = append(errs, fmt.Errorf("delivery.queue_bound %d must not be negative", cfg.Delivery.QueueBound))
	}
	errs = appendDurationErr(errs, "delivery.retune_interval", cfg.Delivery.RetuneInterval)
	errs = appendDurationErr(errs, "delivery.sweep_interval", cfg.Delivery.SweepInterval)
	errs = appendDurationErr(errs, "delivery.job_timeout", cfg.Delivery.JobTimeout)

	// Sequencer
	errs = appendDurationErr(errs, "sequencer.staleness_bound", cfg.Sequencer.StalenessBound)
	errs = appendDurationErr(errs, "sequencer.sweep_interval", cfg.Sequencer.SweepInterval)

	// Sync
	errs = appendDurationErr(errs, "sync.heartbeat_interval", cfg.Sync.HeartbeatInterval)

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 {
		errs = append(errs, fmt.Errorf("capture.channels %d must not be negative", cfg.Capture.Channels))
	}

	// Export
	if cfg.Export.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("export.failure_threshold %d must not be negative", cfg.Export.FailureThreshold))
	}
	errs = appendDurationErr(errs, "export.cooldown", cfg.Export.Cooldown)

	// Availability warnings; these are degraded modes, not errors.
	if cfg.Archive.PostgresDSN == "" {
		slog.Info("archive.postgres_dsn is empty; transcript archive disabled")
	}
	if len(cfg.Export.Brokers) == 0 {
		slog.Info("export.brokers is empty; transcript export runs in log-only mode")
	}
	if cfg.Sync.RedisAddr == "" {
		slog.Info("sync.redis_addr is empty; cross-replica sync limited to this process")
	}

	return errors.Join(errs...)
}

// appendDurationErr rejects negative durations; zero means "use default".
func appendDurationErr(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		errs = append(errs, fmt.Errorf("%s %s must not be negative", field, d))
	}
	return errs
}
