package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/kokoro/pkg/provider/llm"
	"github.com/MrWong99/kokoro/pkg/provider/realtime"
)

// ErrProviderNotRegistered is returned when no factory exists for a
// provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is a name-keyed set of constructors for one provider kind.
type factories[P any] struct {
	kind string
	m    map[string]Factory[P]
}

func (f *factories[P]) build(e ProviderEntry) (P, error) {
	fn, ok := f.m[e.Name]
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s %q", ErrProviderNotRegistered, f.kind, e.Name)
	}
	return fn(e)
}

// Registry maps provider names to constructors. Registering a name twice
// replaces the earlier factory. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	realtime factories[realtime.Provider]
	llm      factories[llm.Provider]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		realtime: factories[realtime.Provider]{kind: "realtime", m: map[string]Factory[realtime.Provider]{}},
		llm:      factories[llm.Provider]{kind: "llm", m: map[string]Factory[llm.Provider]{}},
	}
}

// RegisterRealtime registers a realtime provider factory under name.
func (r *Registry) RegisterRealtime(name string, f Factory[realtime.Provider]) {
	r.mu.Lock()
	r.realtime.m[name] = f
	r.mu.Unlock()
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm.m[name] = f
	r.mu.Unlock()
}

// CreateRealtime builds the realtime provider named by e.Name.
func (r *Registry) CreateRealtime(e ProviderEntry) (realtime.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.realtime.build(e)
}

// CreateLLM builds the LLM provider named by e.Name.
func (r *Registry) CreateLLM(e ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.build(e)
}
