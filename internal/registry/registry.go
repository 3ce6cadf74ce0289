// Package registry implements the generic Storage Registry (§4.G): a lazily
// populated name→instance map backed by a pluggable factory.
//
// Grounded on the teacher's SessionManager (session/manager.go), which holds
// a mutex-guarded map of lazily-started sessions; this generalises that
// shape to an arbitrary instance type and a caller-supplied factory instead
// of a fixed Session constructor.
package registry

import "sync"

// Releaser is implemented by instances that hold a resource worth releasing
// on Close/CloseAll. Instances that don't need cleanup can simply not
// implement it; Close only calls it when present.
type Releaser interface {
	Close() error
}

// Factory builds a new instance for name. A failing factory call is not
// cached: the next Get(name) retries from scratch (§4.G).
type Factory[T any] func(name string) (T, error)

// Registry is a lazily-populated name→instance map (§4.G).
type Registry[T any] struct {
	mu      sync.Mutex
	factory Factory[T]
	entries map[string]T
}

// New constructs a Registry backed by factory.
func New[T any](factory Factory[T]) *Registry[T] {
	return &Registry[T]{
		factory: factory,
		entries: make(map[string]T),
	}
}

// Get returns the instance for name, constructing it via the factory on
// first access. Repeated calls with the same name between construction and
// Close(name) return the identical instance (§8 invariant 5).
func (r *Registry[T]) Get(name string) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.entries[name]; ok {
		return inst, nil
	}

	inst, err := r.factory(name)
	if err != nil {
		var zero T
		return zero, err
	}
	r.entries[name] = inst
	return inst, nil
}

// Has reports whether name has already been constructed.
func (r *Registry[T]) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

// Keys returns the names constructed so far, in no particular order.
func (r *Registry[T]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Close releases and removes the instance for name, if present. It invokes
// the instance's Release hook (via the Releaser interface) before removal.
func (r *Registry[T]) Close(name string) error {
	r.mu.Lock()
	inst, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if rel, ok := any(inst).(Releaser); ok {
		return rel.Close()
	}
	return nil
}

// CloseAll releases and removes every instance currently held.
func (r *Registry[T]) CloseAll() error {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for k := range r.entries {
		names = append(names, k)
	}
	r.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := r.Close(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
