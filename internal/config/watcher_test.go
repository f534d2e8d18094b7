package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/capitalrow/minawire/internal/config"
)

const watchedConfig = `
server:
  listen_addr: ":8090"
  log_level: info
transport:
  base_url: "http://localhost:8080"
  mode: polling
delivery:
  queue_bound: 10
`

const watchedConfigRetuned = `
server:
  listen_addr: ":8090"
  log_level: debug
transport:
  base_url: "http://localhost:8080"
  mode: polling
delivery:
  queue_bound: 20
`

// The transport URL fails validation, so this edit must never replace the
// running config.
const watchedConfigBroken = `
server:
  log_level: info
transport:
  base_url: "not a scheme"
`

// watchedFile writes content to a fresh temp config and returns its path.
func watchedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	rewrite(t, path, content)
	return path
}

func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// reloadRecorder collects onChange invocations for assertions.
type reloadRecorder struct {
	mu    sync.Mutex
	calls []*config.Config
	fired chan struct{}
}

func newReloadRecorder() *reloadRecorder {
	return &reloadRecorder{fired: make(chan struct{}, 1)}
}

func (r *reloadRecorder) onChange(_, new *config.Config) {
	r.mu.Lock()
	r.calls = append(r.calls, new)
	r.mu.Unlock()
	select {
	case r.fired <- struct{}{}:
	default:
	}
}

func (r *reloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, err := config.NewWatcher(watchedFile(t, watchedConfig), nil,
		config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Delivery.QueueBound != 10 {
		t.Errorf("queue_bound = %d, want 10", cfg.Delivery.QueueBound)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/config.yaml", nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_EditFiresCallbackAndSwapsCurrent(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watchedConfig)
	rec := newReloadRecorder()

	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	rewrite(t, path, watchedConfigRetuned)

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange never fired after an edit")
	}

	rec.mu.Lock()
	got := rec.calls[len(rec.calls)-1]
	rec.mu.Unlock()
	if got.Server.LogLevel != config.LogDebug || got.Delivery.QueueBound != 20 {
		t.Errorf("callback config = level %q, bound %d; want debug, 20",
			got.Server.LogLevel, got.Delivery.QueueBound)
	}
	if cur := w.Current(); cur.Delivery.QueueBound != 20 {
		t.Errorf("Current() queue_bound = %d, want 20", cur.Delivery.QueueBound)
	}
}

func TestWatcher_InvalidEditKeepsRunningConfig(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watchedConfig)
	rec := newReloadRecorder()

	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	rewrite(t, path, watchedConfigBroken)
	time.Sleep(300 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("onChange fired %d times for an invalid edit", n)
	}
	if cur := w.Current(); cur.Transport.BaseURL != "http://localhost:8080" {
		t.Errorf("Current() base_url = %q, want the pre-edit value", cur.Transport.BaseURL)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watchedConfig)
	rec := newReloadRecorder()

	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// A bare mtime bump must not count as a change.
	time.Sleep(100 * time.Millisecond)
	touched := time.Now().Add(time.Second)
	if err := os.Chtimes(path, touched, touched); err != nil {
		t.Fatalf("touch: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("onChange fired %d times for a touch-only change", n)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, err := config.NewWatcher(watchedFile(t, watchedConfig), nil,
		config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	w.Stop()
	w.Stop()
	w.Stop()
}
