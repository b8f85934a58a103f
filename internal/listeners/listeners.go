// Package listeners maps event keys to handler sets. Handlers run
// synchronously on whichever goroutine emits, which for the server and the
// client is always the poll goroutine.
package listeners

import (
	"slices"
	"sync"
)

type Registry[K comparable, F any] struct {
	mu       sync.RWMutex
	handlers map[K][]F
}

func New[K comparable, F any]() *Registry[K, F] {
	return &Registry[K, F]{
		handlers: make(map[K][]F),
	}
}

// Add appends fn to the handlers of key. Handlers run in the order they were
// added.
func (r *Registry[K, F]) Add(key K, fn F) {
	r.mu.Lock()
	r.handlers[key] = append(r.handlers[key], fn)
	r.mu.Unlock()
}

// Set makes fn the only handler of key; the last call wins.
func (r *Registry[K, F]) Set(key K, fn F) {
	r.mu.Lock()
	r.handlers[key] = []F{fn}
	r.mu.Unlock()
}

// Remove drops every handler of key.
func (r *Registry[K, F]) Remove(key K) {
	r.mu.Lock()
	delete(r.handlers, key)
	r.mu.Unlock()
}

// Get returns a copy of the handlers of key, safe to call while handlers are
// being added from other goroutines.
func (r *Registry[K, F]) Get(key K) []F {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.handlers[key])
}

// First returns the handler of a single-slot key.
func (r *Registry[K, F]) First(key K) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero F
	handlers := r.handlers[key]
	if len(handlers) == 0 {
		return zero, false
	}
	return handlers[0], true
}

func (r *Registry[K, F]) Has(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[key]) > 0
}
