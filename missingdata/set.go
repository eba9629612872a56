package missingdata

import (
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Set is a concurrency safe set.
type Set[T comparable] struct {
	mu    sync.RWMutex
	items fn.Set[T]
}

// NewSet returns a set holding the given items.
func NewSet[T comparable](items ...T) *Set[T] {
	return &Set[T]{items: fn.NewSet(items...)}
}

// Add inserts item and reports whether it was not already present.
func (s *Set[T]) Add(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items.Contains(item) {
		return false
	}
	s.items.Add(item)

	return true
}

// Remove deletes item and reports whether it was present.
func (s *Set[T]) Remove(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.items.Contains(item) {
		return false
	}
	s.items.Remove(item)

	return true
}

// RemoveAll deletes every given item.
func (s *Set[T]) RemoveAll(items []T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		s.items.Remove(item)
	}
}

// Contains reports whether item is in the set.
func (s *Set[T]) Contains(item T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.items.Contains(item)
}

// Len returns the number of items in the set.
func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.items)
}

// Snapshot returns a copy of the items in no particular order.
func (s *Set[T]) Snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.items.ToSlice()
}
