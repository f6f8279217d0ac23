// Package capability resolves pluggable components (shard key generators,
// query windows, fallback handlers, alert sinks) by configured name.
package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered is returned when no factory is registered under a name.
var ErrNotRegistered = errors.New("capability not registered")

// Factory builds one capability instance.
type Factory[T any] func() (T, error)

// Registry maps names to factories. Resolved values are cached so each
// name is built at most once.
type Registry[T any] struct {
	mu        sync.RWMutex
	factories map[string]Factory[T]
	resolved  map[string]T
}

// NewRegistry creates an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		factories: make(map[string]Factory[T]),
		resolved:  make(map[string]T),
	}
}

// Register adds or replaces the factory for name.
func (r *Registry[T]) Register(name string, f Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.resolved, name)
}

// RegisterValue registers an already built value under name.
func (r *Registry[T]) RegisterValue(name string, v T) {
	r.Register(name, func() (T, error) { return v, nil })
}

// Resolve returns the value registered under name, building it on first use.
// A panicking factory is reported as an error.
func (r *Registry[T]) Resolve(name string) (value T, err error) {
	r.mu.RLock()
	if v, ok := r.resolved[name]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return value, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("capability %q factory panicked: %v", name, p)
		}
	}()
	v, err := f()
	if err != nil {
		return value, fmt.Errorf("failed to build capability %q: %w", name, err)
	}

	r.mu.Lock()
	r.resolved[name] = v
	r.mu.Unlock()
	return v, nil
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lazy resolves a value once and remembers the outcome. If resolution
// fails, the fallback is used from then on and onError is called once.
type Lazy[T any] struct {
	once     sync.Once
	resolve  func() (T, error)
	fallback T
	onError  func(error)
	value    T
}

// NewLazy creates a Lazy. onError may be nil.
func NewLazy[T any](resolve func() (T, error), fallback T, onError func(error)) *Lazy[T] {
	return &Lazy[T]{resolve: resolve, fallback: fallback, onError: onError}
}

// Get returns the resolved value, resolving on the first call.
func (l *Lazy[T]) Get() T {
	l.once.Do(func() {
		v, err := l.resolve()
		if err != nil {
			l.value = l.fallback
			if l.onError != nil {
				l.onError(err)
			}
			return
		}
		l.value = v
	})
	return l.value
}
