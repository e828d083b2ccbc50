package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned when a [ProviderEntry] names a
// provider no factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type T from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is the name table of one provider kind.
type factories[T any] struct {
	kind   string
	byName map[string]Factory[T]
}

func (f *factories[T]) add(name string, fn Factory[T]) {
	if f.byName == nil {
		f.byName = make(map[string]Factory[T])
	}
	f.byName[name] = fn
}

func (f *factories[T]) lookup(name string) (Factory[T], error) {
	fn, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return fn, nil
}

// Registry maps provider names from the config to constructors. Register
// overwrites an earlier factory of the same name. It is safe for concurrent
// use.
type Registry struct {
	mu  sync.RWMutex
	s2s factories[s2s.Provider]
	vad factories[vad.Engine]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s: factories[s2s.Provider]{kind: "s2s"},
		vad: factories[vad.Engine]{kind: "vad"},
	}
}

// RegisterS2S registers an AI endpoint factory.
func (r *Registry) RegisterS2S(name string, fn Factory[s2s.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s.add(name, fn)
}

// RegisterVAD registers a local VAD engine factory.
func (r *Registry) RegisterVAD(name string, fn Factory[vad.Engine]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad.add(name, fn)
}

// CreateS2S builds the endpoint named by entry. The factory runs outside the
// registry lock.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	fn, err := r.s2s.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return fn(entry)
}

// CreateVAD builds the VAD engine named by entry.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	fn, err := r.vad.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return fn(entry)
}

// Names returns the sorted names registered for kind, "s2s" or "vad".
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.s2s.kind:
		return slices.Sorted(maps.Keys(r.s2s.byName))
	case r.vad.kind:
		return slices.Sorted(maps.Keys(r.vad.byName))
	}
	return nil
}
