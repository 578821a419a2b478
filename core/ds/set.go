// Package ds provides small generic data structures shared by the core packages.
package ds

// Set is a set of comparable values with O(1) membership.
type Set[T comparable] struct {
	items map[T]struct{}
}

// NewSet creates a set containing the given values.
func NewSet[T comparable](values ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]struct{}, len(values))}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add adds v to the set. No-op if already present.
func (s *Set[T]) Add(v T) {
	s.items[v] = struct{}{}
}

// Contains reports whether v is in the set.
func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

// Len returns the number of elements.
func (s *Set[T]) Len() int { return len(s.items) }
