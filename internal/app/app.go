// Package app wires all minawire subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the processing loops, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithSyncChannel,
// WithArchiveStore, WithCaptureOpener). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/capitalrow/minawire/internal/archive"
	"github.com/capitalrow/minawire/internal/capture"
	"github.com/capitalrow/minawire/internal/config"
	"github.com/capitalrow/minawire/internal/delivery"
	"github.com/capitalrow/minawire/internal/export"
	"github.com/capitalrow/minawire/internal/health"
	"github.com/capitalrow/minawire/internal/observe"
	"github.com/capitalrow/minawire/internal/sequencer"
	"github.com/capitalrow/minawire/internal/syncbus"
	"github.com/capitalrow/minawire/internal/transport"
	"github.com/capitalrow/minawire/internal/wire"
)

// Archive batching parameters. Applied finals accumulate and flush as one
// batch write so a chatty session does not turn into per-segment inserts.
const (
	archiveBatchSize     = 16
	archiveFlushInterval = time.Second
)

// adminShutdownTimeout bounds the admin server drain during Run teardown.
const adminShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the transcription
// pipeline: capture → delivery → transport → sequencer → {sync, archive,
// export}.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Subsystems — initialised in New, torn down in Shutdown.
	ctrl     *delivery.Controller
	client   *transport.Client
	seq      *sequencer.Sequencer
	coord    *syncbus.Coordinator
	store    *archive.Guard // nil when archiving is disabled
	exporter *export.Publisher
	recorder *Recorder

	// Injected test doubles, when set.
	syncChannel syncbus.Channel
	rawStore    archive.Store
	opener      capture.Opener

	admin *http.Server

	// pending is the archive write batch for applied finals and gap markers.
	pendingMu sync.Mutex
	pending   []archive.Segment

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSyncChannel injects a sync channel instead of creating one from config.
func WithSyncChannel(ch syncbus.Channel) Option {
	return func(a *App) { a.syncChannel = ch }
}

// WithArchiveStore injects an archive store instead of connecting to Postgres.
func WithArchiveStore(s archive.Store) Option {
	return func(a *App) { a.rawStore = s }
}

// WithCaptureOpener injects a capture source instead of using the registry.
func WithCaptureOpener(o capture.Opener) Option {
	return func(a *App) { a.opener = o }
}

// WithMetrics injects a metrics set instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: sync channel connection,
// archive store connection and schema bootstrap, exporter construction, and
// capture source selection. The backend connection itself is deferred to Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Delivery controller ───────────────────────────────────────────
	a.ctrl = delivery.New(delivery.Config{
		RetuneInterval: cfg.Delivery.RetuneInterval,
		SweepInterval:  cfg.Delivery.SweepInterval,
		JobTimeout:     cfg.Delivery.JobTimeout,
		QueueBound:     cfg.Delivery.QueueBound,
		Metrics:        a.metrics,
	})

	// ── 2. Multi-tab sync ────────────────────────────────────────────────
	if err := a.initSync(ctx); err != nil {
		return nil, fmt.Errorf("app: init sync: %w", err)
	}

	// ── 3. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 4. Exporter ──────────────────────────────────────────────────────
	a.exporter = export.New(export.Config{
		Brokers:          cfg.Export.Brokers,
		TopicPartial:     cfg.Export.TopicPartial,
		TopicFinal:       cfg.Export.TopicFinal,
		FailureThreshold: cfg.Export.FailureThreshold,
		Cooldown:         cfg.Export.Cooldown,
		Metrics:          a.metrics,
	})
	a.closers = append(a.closers, a.exporter.Close)

	// ── 5. Sequencer ─────────────────────────────────────────────────────
	a.seq = sequencer.New(sequencer.Config{
		StalenessBound: cfg.Sequencer.StalenessBound,
		SweepInterval:  cfg.Sequencer.SweepInterval,
		OnApply:        a.applySegment,
		Metrics:        a.metrics,
	})

	// ── 6. Transport ─────────────────────────────────────────────────────
	a.client = transport.New(transport.Config{
		BaseURL:           cfg.Transport.BaseURL,
		Mode:              transport.Mode(cfg.Transport.Mode),
		PollInterval:      cfg.Transport.PollInterval,
		Backoff:           cfg.Transport.Backoff,
		MaxBackoff:        cfg.Transport.MaxBackoff,
		MaxAttempts:       cfg.Transport.MaxAttempts,
		InactivityTimeout: cfg.Transport.InactivityTimeout,
		Delivery:          a.ctrl,
		Metrics:           a.metrics,
	})

	// ── 7. Capture + recorder ────────────────────────────────────────────
	if err := a.initCapture(); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}
	a.recorder = newRecorder(a.client, a.ctrl, a.opener, cfg.Capture.SampleRate, cfg.Capture.Channels)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSync connects the sync channel and creates the tab coordinator. With no
// Redis address configured, replicas in the same process share a loopback hub.
func (a *App) initSync(ctx context.Context) error {
	if a.syncChannel == nil {
		if a.cfg.Sync.RedisAddr != "" {
			ch, err := syncbus.NewRedisChannel(ctx, syncbus.RedisConfig{
				Addr:        a.cfg.Sync.RedisAddr,
				Password:    a.cfg.Sync.RedisPassword,
				DB:          a.cfg.Sync.RedisDB,
				ChannelName: a.cfg.Sync.Channel,
			})
			if err != nil {
				return err
			}
			a.syncChannel = ch
			slog.Info("sync channel connected", "redis_addr", a.cfg.Sync.RedisAddr)
		} else {
			a.syncChannel = syncbus.NewLoopbackHub().Subscribe()
			slog.Info("sync running in single-process loopback mode")
		}
	}
	a.closers = append(a.closers, a.syncChannel.Close)

	a.coord = syncbus.New(syncbus.Config{
		Channel:           a.syncChannel,
		HeartbeatInterval: a.cfg.Sync.HeartbeatInterval,
		Metrics:           a.metrics,
	})
	return nil
}

// initArchive sets up the Postgres segment store behind a degradation guard,
// or leaves archiving disabled when no DSN is configured.
func (a *App) initArchive(ctx context.Context) error {
	if a.rawStore == nil {
		if a.cfg.Archive.PostgresDSN == "" {
			slog.Info("archive disabled, no postgres_dsn configured")
			return nil
		}
		store, err := archive.NewPostgresStore(ctx, a.cfg.Archive.PostgresDSN)
		if err != nil {
			return err
		}
		a.rawStore = store
	}

	a.store = archive.NewGuard(a.rawStore, a.metrics)
	a.closers = append(a.closers, func() error {
		a.store.Close()
		return nil
	})
	return nil
}

// initCapture resolves the capture source from the registry unless one was
// injected. Source "none" disables capture; the client then only consumes
// results produced elsewhere.
func (a *App) initCapture() error {
	if a.opener != nil {
		return nil
	}
	if a.cfg.Capture.Source == "none" {
		slog.Info("capture disabled")
		return nil
	}

	reg := config.NewRegistry()
	reg.RegisterSource("ffmpeg", func(cc config.CaptureConfig) (capture.Opener, error) {
		return capture.NewFFmpegOpener(capture.FFmpegConfig{
			Command:     cc.Command,
			InputFormat: cc.InputFormat,
			InputDevice: cc.InputDevice,
			SampleRate:  cc.SampleRate,
			Channels:    cc.Channels,
		}), nil
	})

	opener, err := reg.CreateSource(a.cfg.Capture)
	if err != nil {
		return err
	}
	a.opener = opener
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the backend, starts all processing loops, and blocks until
// ctx is cancelled or a loop fails.
func (a *App) Run(ctx context.Context) error {
	a.ctrl.Start(ctx)
	a.seq.Start(ctx)
	if err := a.coord.Start(ctx); err != nil {
		return fmt.Errorf("app: start sync coordinator: %w", err)
	}

	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.consumeResults(ctx) })
	g.Go(func() error { return a.watchStatus(ctx) })
	g.Go(func() error { return a.archiveLoop(ctx) })

	if a.cfg.Server.ListenAddr != "" {
		a.startAdmin(ctx, g)
	}

	if a.opener != nil {
		if err := a.recorder.Start(ctx); err != nil {
			return fmt.Errorf("app: start recorder: %w", err)
		}
	}

	slog.Info("minawire running",
		"tab_id", a.coord.TabID(),
		"mode", a.client.Mode(),
		"capture", a.opener != nil,
		"archive", a.store != nil,
	)
	return g.Wait()
}

// consumeResults feeds decoded transcription events into the sequencer.
func (a *App) consumeResults(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-a.client.Results():
			if !ok {
				return nil
			}
			a.seq.Ingest(ev)
		}
	}
}

// watchStatus logs session lifecycle transitions. Terminal connection failure
// stops the app: the transport has already exhausted its reconnect budget.
func (a *App) watchStatus(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sc, ok := <-a.client.Status():
			if !ok {
				return nil
			}
			if sc.Err != nil {
				slog.Warn("session status", "state", sc.State, "err", sc.Err)
				if errors.Is(sc.Err, transport.ErrConnectionFailed) {
					return fmt.Errorf("app: %w", sc.Err)
				}
				continue
			}
			slog.Info("session status", "state", sc.State)
		}
	}
}

// archiveLoop flushes the pending archive batch on a fixed cadence so a slow
// trickle of finals still reaches storage.
func (a *App) archiveLoop(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	ticker := time.NewTicker(archiveFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flushArchive(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			a.flushArchive(ctx)
		}
	}
}

// startAdmin launches the admin HTTP server: health probes, Prometheus
// metrics, and the reconciled transcript read model.
func (a *App) startAdmin(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()

	checkers := []health.Checker{
		health.Transport(a.client),
		health.Export(a.exporter),
	}
	if a.store != nil {
		checkers = append(checkers, health.Archive(a.store))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /transcript", a.handleTranscript)
	mux.HandleFunc("GET /peers", a.handlePeers)

	a.admin = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		if err := a.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		defer cancel()
		return a.admin.Shutdown(shutdownCtx)
	})
}

// handleTranscript serves the sequencer's reconciled transcript snapshot.
func (a *App) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(a.seq.Snapshot()); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}

// handlePeers serves the sync coordinator's live peer list.
func (a *App) handlePeers(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(a.coord.Peers()); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}

// ─── Apply fan-out ───────────────────────────────────────────────────────────

// interimKey is the single sync cache slot for the volatile interim segment;
// each new interim supersedes the previous one.
const interimKey = "transcript/interim"

// applySegment fans one applied sequencer segment out to the sync
// coordinator, the archive batch, and the exporter. Called synchronously
// from the sequencer's apply path.
func (a *App) applySegment(seg sequencer.Segment) {
	ctx := context.Background()
	sessionID := a.client.Session().SessionID

	// Sync replicas see every applied segment. Finals and gap markers get one
	// cache entry per sequence; the interim shares a single slot.
	key := fmt.Sprintf("transcript/%010d", seg.Sequence)
	if seg.Kind == wire.KindInterim && !seg.IsGap {
		key = interimKey
	}
	if value, err := json.Marshal(seg); err == nil {
		if err := a.coord.Put(ctx, syncbus.TypeTranscriptUpdated, key, value); err != nil {
			slog.Warn("sync broadcast failed", "key", key, "err", err)
		}
	}

	if err := a.exporter.PublishSegment(ctx, sessionID, seg); err != nil {
		slog.Warn("export publish failed", "event_id", seg.EventID, "err", err)
	}

	// Only the permanent transcript is archived.
	if a.store == nil || (seg.Kind == wire.KindInterim && !seg.IsGap) {
		return
	}
	a.pendingMu.Lock()
	a.pending = append(a.pending, archive.FromSequencerSegment(sessionID, seg))
	full := len(a.pending) >= archiveBatchSize
	a.pendingMu.Unlock()

	if full {
		a.flushArchive(ctx)
	}
}

// flushArchive writes the pending batch through the guard. The guard swallows
// store failures, so a dead database never propagates here.
func (a *App) flushArchive(ctx context.Context) {
	a.pendingMu.Lock()
	batch := a.pending
	a.pending = nil
	a.pendingMu.Unlock()

	if len(batch) == 0 || a.store == nil {
		return
	}
	_ = a.store.SaveSegments(ctx, batch)
}

// ─── Config hot-reload ───────────────────────────────────────────────────────

// ApplyConfigChange reacts to a validated config reload. The queue bound, job
// timeout, staleness bound, and export gate tuning apply live; the background
// loop intervals and every section the diff does not track take effect on
// restart.
func (a *App) ApplyConfigChange(d config.ConfigDiff) {
	if !d.Changed() {
		return
	}
	if d.DeliveryChanged {
		a.ctrl.SetLimits(d.NewDelivery.QueueBound, d.NewDelivery.JobTimeout)
		a.ctrl.Retune()
		slog.Info("delivery tuning reloaded",
			"queue_bound", d.NewDelivery.QueueBound,
			"job_timeout", d.NewDelivery.JobTimeout,
		)
	}
	if d.SequencerChanged {
		a.seq.SetStalenessBound(d.NewSequencer.StalenessBound)
		slog.Info("sequencer tuning reloaded",
			"staleness_bound", d.NewSequencer.StalenessBound,
		)
	}
	if d.ExportGateChanged {
		a.exporter.SetGatePolicy(d.NewExport.FailureThreshold, d.NewExport.Cooldown)
		slog.Info("export gate tuning reloaded",
			"failure_threshold", d.NewExport.FailureThreshold,
			"cooldown", d.NewExport.Cooldown,
		)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop producing before tearing down consumers.
		if a.recorder.Active() {
			if err := a.recorder.Stop(); err != nil {
				slog.Warn("recorder stop error", "err", err)
			}
		}
		if err := a.client.Close(); err != nil {
			slog.Warn("transport close error", "err", err)
		}
		a.seq.Stop()
		a.coord.Stop()
		a.ctrl.Stop()

		a.flushArchive(context.WithoutCancel(ctx))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
