package statestore

import (
	"context"
	"sync"
	"time"
)

// MemStore is a simple, correct in-memory Store for tests/dev.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]Record{}}
}

func (m *MemStore) Read(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.data[key]
	if !ok {
		return rec, ErrNotFound
	}
	return rec, nil
}

func (m *MemStore) ReadMulti(_ context.Context, keys []string) (map[string]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Record, len(keys))
	for _, k := range keys {
		if rec, ok := m.data[k]; ok {
			out[k] = rec
		}
	}
	return out, nil
}

func (m *MemStore) Write(_ context.Context, key string, expectedVersion uint64, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current uint64
	if cur, ok := m.data[key]; ok {
		current = cur.Version
	}
	if current != expectedVersion {
		return ErrVersionMismatch
	}

	if rec.LastModified.IsZero() {
		rec.LastModified = time.Now()
	}
	m.data[key] = rec
	return nil
}

// Delete removes a record unconditionally. Test helper, not part of Store.
func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ Store = (*MemStore)(nil)
