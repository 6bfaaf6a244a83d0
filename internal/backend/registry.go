package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Factory builds an uninitialized adapter named name.
type Factory func(name string, deps Deps) Adapter

var (
	ErrUnknownKind   = errors.New("backend: unknown kind")
	ErrDuplicateKind = errors.New("backend: kind already registered")
	ErrNilFactory    = errors.New("backend: nil factory")
)

// Registry maps backend kinds to factories. The daemon builds one at startup
// and registers every bundled engine explicitly.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind.
func (r *Registry) Register(kind string, f Factory) error {
	if f == nil {
		return ErrNilFactory
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.factories[kind] = f
	return nil
}

// New builds an adapter of kind.
func (r *Registry) New(kind, name string, deps Deps) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownKind, kind, r.Kinds())
	}
	return f(name, deps), nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
