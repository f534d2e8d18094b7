package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/capitalrow/minawire/internal/capture"
)

// ErrSourceNotRegistered is returned by [Registry.CreateSource] when no
// factory has been registered under the requested source name.
var ErrSourceNotRegistered = errors.New("config: capture source not registered")

// Registry maps capture source names to their opener factories, so the
// capture.source config field selects an implementation by name. It is safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]func(CaptureConfig) (capture.Opener, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]func(CaptureConfig) (capture.Opener, error)),
	}
}

// RegisterSource registers a capture opener factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory func(CaptureConfig) (capture.Opener, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateSource builds the capture opener selected by cfg.Source.
func (r *Registry) CreateSource(cfg CaptureConfig) (capture.Opener, error) {
	name := cfg.Source
	if name == "" {
		name = "ffmpeg"
	}

	r.mu.RLock()
	factory, ok := r.sources[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrSourceNotRegistered, name, r.SourceNames())
	}
	return factory(cfg)
}

// SourceNames returns the registered source names.
func (r *Registry) SourceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	return names
}
