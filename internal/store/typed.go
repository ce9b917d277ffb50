package store

import (
	"sort"
	"sync"
)

// TypedStore is a generic, concurrency-safe, in-memory directory keyed by id.
// The store lock only guards membership; callers that keep pointer values
// guard each entity with its own lock so unrelated entities never contend.
type TypedStore[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewTypedStore creates a new, empty TypedStore.
func NewTypedStore[T any]() *TypedStore[T] {
	return &TypedStore[T]{items: make(map[string]T)}
}

// Set inserts or replaces the value under key.
func (s *TypedStore[T]) Set(key string, value T) {
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

// GetOrCreate returns the value stored under key, inserting the result of
// create when absent. The boolean is true when a value was created.
func (s *TypedStore[T]) GetOrCreate(key string, create func() T) (T, bool) {
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return v, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items[key]; ok {
		return v, false
	}
	v = create()
	s.items[key] = v
	return v, true
}

// Take removes and returns the value under key. Exactly one of several
// concurrent callers observes ok == true.
func (s *TypedStore[T]) Take(key string) (T, bool) {
	s.mu.Lock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	s.mu.Unlock()
	return v, ok
}

// TakeIf removes and returns the value under key when take reports true for
// it. The predicate runs under the store lock and must not call back into it.
func (s *TypedStore[T]) TakeIf(key string, take func(T) bool) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok || !take(v) {
		var zero T
		return zero, false
	}
	delete(s.items, key)
	return v, true
}

// Update replaces the value under key with the result of fn. Nothing is
// stored when key is absent or fn reports false.
func (s *TypedStore[T]) Update(key string, fn func(T) (T, bool)) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok {
		return v, false
	}
	next, keep := fn(v)
	if !keep {
		return v, false
	}
	s.items[key] = next
	return next, true
}

// DeleteIf removes key when remove reports true for its current value.
// The predicate runs under the store lock and must not call back into it.
func (s *TypedStore[T]) DeleteIf(key string, remove func(T) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if ok && remove(v) {
		delete(s.items, key)
		return true
	}
	return false
}

// Get returns the value under key.
func (s *TypedStore[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// Len returns the number of items in the store.
func (s *TypedStore[T]) Len() int {
	s.mu.RLock()
	n := len(s.items)
	s.mu.RUnlock()
	return n
}

// Keys returns all keys in ascending order.
func (s *TypedStore[T]) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Values returns all values as a slice. Order is not guaranteed.
func (s *TypedStore[T]) Values() []T {
	s.mu.RLock()
	vals := make([]T, 0, len(s.items))
	for _, v := range s.items {
		vals = append(vals, v)
	}
	s.mu.RUnlock()
	return vals
}
