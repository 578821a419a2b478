// Package cache provides the bounded LRU instance cache shards keep their
// hydrated durable objects in.
//
// The cache is bounded: durable objects are only in-memory
// proxies, so evicting one loses nothing — the entity persists in the backing
// store and the next access re-hydrates it. An in-flight persist on an evicted
// instance stays safe because the store's conditional write still guards it.
package cache

// Cache is an untyped bounded key-value cache.
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any)
	Delete(key string)
	Len() int
}

// TypedCache is a generic type-safe wrapper over Cache.
type TypedCache[T any] interface {
	Get(key string) (T, bool)
	Put(key string, val T)
	Delete(key string)
	Len() int
}

type typedCache[T any] struct {
	c Cache
}

// NewTyped wraps c with compile-time typed accessors.
func NewTyped[T any](c Cache) TypedCache[T] { return &typedCache[T]{c: c} }

func (t *typedCache[T]) Get(key string) (out T, ok bool) {
	v, ok := t.c.Get(key)
	if !ok {
		return out, false
	}
	if out, ok = v.(T); !ok {
		return out, false
	}
	return out, true
}

func (t *typedCache[T]) Put(key string, val T) { t.c.Put(key, val) }
func (t *typedCache[T]) Delete(key string)     { t.c.Delete(key) }
func (t *typedCache[T]) Len() int              { return t.c.Len() }

var _ TypedCache[any] = (*typedCache[any])(nil)
