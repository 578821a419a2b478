// Package sf deduplicates concurrent function calls with the same key.
//
// Shards use it to hydrate durable objects: when several tasks miss the
// instance cache for one entity at the same time, only the first call builds
// and restores the object, the rest block and receive the same instance. This
// is what keeps the "at most one live instance per entity" invariant cheap.
package sf

import "golang.org/x/sync/singleflight"

// Singleflight deduplicates concurrent calls per key with a typed result.
type Singleflight[T any] struct {
	group singleflight.Group
}

// New creates a Singleflight for type T.
func New[T any]() *Singleflight[T] {
	return &Singleflight[T]{}
}

// Do executes fn for the given key unless a call for that key is already
// in-flight, in which case it blocks and returns the in-flight call's result.
// fn runs at most once per key at any given time.
func (s *Singleflight[T]) Do(key string, fn func() (T, error)) (T, error) {
	v, err, _ := s.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
