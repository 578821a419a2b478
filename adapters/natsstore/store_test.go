package natsstore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qodestackr/bima-bazaar-api/core/policy"
	"github.com/Qodestackr/bima-bazaar-api/ports/statestore"
)

func newTestStore(t *testing.T) *Store {
	connectNatsC := NewTestContainer(t)
	store, err := New(t.Context(), Config{
		Connect: connectNatsC,
		Bucket:  "durable_state",
	})
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(store.Close)
	return store
}

func TestStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Read(t.Context(), "absent")
	require.ErrorIs(t, err, statestore.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Write(t.Context(), "policies:saccoX", 0, statestore.Record{
		State:        []byte(`{"vehicles":{}}`),
		Version:      1,
		LastModified: now,
	}))

	got, err := store.Read(t.Context(), "policies:saccoX")
	require.NoError(t, err)
	assert.JSONEq(t, `{"vehicles":{}}`, string(got.State))
	assert.Equal(t, uint64(1), got.Version)
	assert.True(t, got.LastModified.Equal(now))
}

func TestStore_ConditionalWrite(t *testing.T) {
	store := newTestStore(t)

	rec := statestore.Record{State: []byte(`{}`), Version: 1, LastModified: time.Now()}
	require.NoError(t, store.Write(t.Context(), "k1", 0, rec))

	// Stale expectation.
	err := store.Write(t.Context(), "k1", 0, rec)
	require.ErrorIs(t, err, statestore.ErrVersionMismatch)

	// Expecting a record that does not exist.
	err = store.Write(t.Context(), "k2", 3, rec)
	require.ErrorIs(t, err, statestore.ErrVersionMismatch)

	// Correct expectation advances.
	rec.Version = 2
	require.NoError(t, store.Write(t.Context(), "k1", 1, rec))
	got, err := store.Read(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
}

func TestStore_ReadMulti(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.Write(t.Context(), "claim:c1::0", 0,
		statestore.Record{State: []byte(`{"id":"c1"}`), Version: 1, LastModified: now}))
	require.NoError(t, store.Write(t.Context(), "claim:c2::0", 0,
		statestore.Record{State: []byte(`{"id":"c2"}`), Version: 1, LastModified: now}))

	got, err := store.ReadMulti(t.Context(), []string{"claim:c1::0", "claim:missing::0", "claim:c2::0"})
	require.NoError(t, err)
	require.Len(t, got, 2, "missing keys are absent, not errors")
	assert.JSONEq(t, `{"id":"c1"}`, string(got["claim:c1::0"].State))
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
}

func TestStore_BacksDurableObjects(t *testing.T) {
	store := newTestStore(t)

	r := policy.NewRegistry("saccoX", store)
	require.NoError(t, r.RegisterVehicle(t.Context(), "KAA123A", policy.Driver{Name: "Wanjiku"}))

	fresh := policy.NewRegistry("saccoX", store)
	require.NoError(t, fresh.Restore(t.Context()))
	require.Equal(t, uint64(1), fresh.Version())
	require.NoError(t, fresh.View(t.Context(), func(s *policy.State) error {
		assert.Contains(t, s.Vehicles, "KAA123A")
		return nil
	}))
}
