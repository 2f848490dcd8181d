package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/equipguard/internal/alert"
)

// ErrSinkNotRegistered is returned when no factory is registered under the
// requested alert sink name.
var ErrSinkNotRegistered = errors.New("config: alert sink not registered")

// SinkFactory builds an alert sink. It runs once per [Registry.CreateSinks]
// call that names it.
type SinkFactory func() (alert.Sink, error)

// Registry maps alert sink names to factories. The binary registers the
// built-in sinks at startup; the names selected in alerts.sinks are then
// resolved through it.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]SinkFactory
}

// NewRegistry creates an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]SinkFactory)}
}

// RegisterSink registers factory under name, replacing any earlier factory.
func (r *Registry) RegisterSink(name string, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// SinkNames returns the registered sink names, sorted.
func (r *Registry) SinkNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateSink instantiates the sink registered under name.
func (r *Registry) CreateSink(name string) (alert.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSinkNotRegistered, name)
	}
	s, err := factory()
	if err != nil {
		return nil, fmt.Errorf("config: create alert sink %q: %w", name, err)
	}
	return s, nil
}

// CreateSinks instantiates every sink in names, in order, and fans them into
// one [alert.Multi]. All failures are reported together.
func (r *Registry) CreateSinks(names []string) (alert.Multi, error) {
	var (
		sinks alert.Multi
		errs  []error
	)
	for _, name := range names {
		s, err := r.CreateSink(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sinks = append(sinks, s)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return sinks, nil
}
