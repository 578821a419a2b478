//go:build integration

package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/Qodestackr/bima-bazaar-api/ports/statestore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	store, err := New(ctx, Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_ReadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Read(t.Context(), "absent")
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestStore_WriteRead(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := statestore.Record{State: []byte(`{"counter":1}`), Version: 1, LastModified: now}
	require.NoError(t, store.Write(t.Context(), "k1", 0, rec))

	got, err := store.Read(t.Context(), "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"counter":1}`, string(got.State))
	assert.Equal(t, uint64(1), got.Version)
	assert.True(t, got.LastModified.Equal(now))
}

func TestStore_WriteVersionMismatch(t *testing.T) {
	store := newTestStore(t)

	rec := statestore.Record{State: []byte(`{}`), Version: 1, LastModified: time.Now()}
	require.NoError(t, store.Write(t.Context(), "k1", 0, rec))

	// Stale expectation.
	err := store.Write(t.Context(), "k1", 0, rec)
	require.ErrorIs(t, err, statestore.ErrVersionMismatch)

	// Expecting a record that does not exist.
	err = store.Write(t.Context(), "k2", 3, rec)
	require.ErrorIs(t, err, statestore.ErrVersionMismatch)
}

func TestStore_ReadMulti(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.Write(t.Context(), "a", 0,
		statestore.Record{State: []byte(`1`), Version: 1, LastModified: now}))
	require.NoError(t, store.Write(t.Context(), "b", 0,
		statestore.Record{State: []byte(`2`), Version: 1, LastModified: now}))

	got, err := store.ReadMulti(t.Context(), []string{"a", "missing", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2, "missing keys are absent, not errors")
	assert.Equal(t, []byte(`1`), got["a"].State)
	assert.Equal(t, []byte(`2`), got["b"].State)
}

func TestStore_ConcurrentCAS_SingleWinner(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Write(t.Context(), "contested", 0,
		statestore.Record{State: []byte(`0`), Version: 1, LastModified: time.Now()}))

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = store.Write(t.Context(), "contested", 1,
				statestore.Record{State: []byte(`1`), Version: 2, LastModified: time.Now()})
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, statestore.ErrVersionMismatch)
		}
	}
	assert.Equal(t, 1, wins)

	got, err := store.Read(t.Context(), "contested")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
}
