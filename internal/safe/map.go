package safe

import (
	"sort"
	"sync"
)

// Map is a concurrency & type safe map keyed by string
type Map[T any] struct {
	mu   sync.RWMutex
	data map[string]T
}

// NewMap returns a map seeded with data, which may be nil
func NewMap[T any](data map[string]T) *Map[T] {
	if data == nil {
		data = map[string]T{}
	}
	return &Map[T]{
		data: data,
	}
}

// Get returns the value for key or the zero value
func (m *Map[T]) Get(key string) T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key]
}

// Lookup returns the value for key and whether it exists
func (m *Map[T]) Lookup(key string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Exists returns true if the key has a value
func (m *Map[T]) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

// Set sets the key value pair
func (m *Map[T]) Set(key string, value T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]T{}
	}
	m.data[key] = value
}

// Del deletes a key if it exists
func (m *Map[T]) Del(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// Len returns the number of entries
func (m *Map[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Keys returns the sorted keys of the map
func (m *Map[T]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Range iterates over the map until fn returns false
func (m *Map[T]) Range(fn func(key string, t T) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, v := range m.data {
		if !fn(key, v) {
			break
		}
	}
}
