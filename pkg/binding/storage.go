// Package binding keeps view-scoped objects alive across detach and
// reattach so switching views does not drop what was already fetched.
package binding

import (
	"sort"
	"sync"
)

// Key names a typed slot in a Storage.
type Key[T any] struct {
	name string
}

// NewKey creates a key. Keys with the same name address the same slot.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

func (k Key[T]) String() string {
	return k.name
}

// Storage is a session-scoped key/value store.
type Storage struct {
	mu     sync.Mutex
	values map[string]any
}

func NewStorage() *Storage {
	return &Storage{values: make(map[string]any)}
}

// Get returns the value stored under k. A slot holding a value of another
// type reads as empty.
func Get[T any](s *Storage, k Key[T]) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[k.name].(T)
	return v, ok
}

// Set stores v under k, replacing any previous value.
func Set[T any](s *Storage, k Key[T], v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[k.name] = v
}

// Delete removes k. Deleting a missing key is a no-op.
func Delete[T any](s *Storage, k Key[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, k.name)
}

// Keys returns the names of all occupied slots, sorted.
func (s *Storage) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Clear empties the storage.
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
}
