package flow

import "sync"

// Registry caches one value per key. Values are created on first use and
// shared by every later caller.
type Registry[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]V
}

// NewRegistry creates an empty registry.
func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{items: make(map[K]V)}
}

// GetOrCreate returns the value stored under key, calling create when there
// is none. Concurrent first calls for the same key run create once and all
// receive its value. A failed create stores nothing.
func (r *Registry[K, V]) GetOrCreate(key K, create func(K) (V, error)) (V, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.items[key]; ok {
		return v, nil
	}
	v, err := create(key)
	if err != nil {
		var zero V
		return zero, err
	}
	r.items[key] = v
	return v, nil
}

// Get returns the value stored under key.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[key]
	return v, ok
}

// Delete removes key and returns the value it held.
func (r *Registry[K, V]) Delete(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[key]
	delete(r.items, key)
	return v, ok
}

// Len returns the number of stored values.
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Clear drops every value.
func (r *Registry[K, V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.items)
}

// DeleteFunc removes every value for which del returns true and returns the
// removed values.
func (r *Registry[K, V]) DeleteFunc(del func(K, V) bool) []V {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []V
	for k, v := range r.items {
		if del(k, v) {
			removed = append(removed, v)
			delete(r.items, k)
		}
	}
	return removed
}
