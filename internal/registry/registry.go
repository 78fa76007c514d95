// Package registry maps stage-type names to factories and validates pipeline
// configs against them: unknown types, unresolved references and dependency
// cycles are all reported as diagnostics before anything executes.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/stage"
)

// Factory constructs a stage from its definition. It runs at resolve time,
// before execution, so a bad definition fails the run up front.
type Factory func(def config.Stage) (stage.Stage, error)

// Module is implemented by packages that contribute stage types. Registration
// is a startup-time, one-shot operation.
type Module interface {
	Register(r *Registry) error
}

// NotFoundError reports a stage type with no registered factory.
type NotFoundError struct {
	Type string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("stage type %q is not registered", e.Type)
}

type entry struct {
	factory Factory
	meta    stage.Metadata
}

// Registry holds one application instance's stage types. Safe for concurrent
// reads; registration happens before execution starts.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register associates a stage-type key with a factory and metadata.
// Registering the same key twice is a programmer error and fails.
func (r *Registry) Register(typeName string, factory Factory, meta stage.Metadata) error {
	if typeName == "" {
		return fmt.Errorf("stage type name must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("stage type %q: factory must not be nil", typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[typeName]; ok {
		return fmt.Errorf("stage type %q is already registered", typeName)
	}
	r.entries[typeName] = entry{factory: factory, meta: meta}
	return nil
}

// Resolve constructs a stage for the given definition.
func (r *Registry) Resolve(def config.Stage) (stage.Stage, error) {
	r.mu.RLock()
	e, ok := r.entries[def.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Type: def.Type}
	}
	s, err := e.factory(def)
	if err != nil {
		return nil, fmt.Errorf("construct stage %q (type %q): %w", def.Name, def.Type, err)
	}
	return s, nil
}

// Metadata returns the registered metadata for a stage type.
func (r *Registry) Metadata(typeName string) (stage.Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[typeName]
	return e.meta, ok
}

// Types returns all registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[typeName]
	return ok
}
