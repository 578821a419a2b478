package platform

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qodestackr/bima-bazaar-api/core/claims"
	"github.com/Qodestackr/bima-bazaar-api/core/policy"
	"github.com/Qodestackr/bima-bazaar-api/internal/shardhash"
	"github.com/Qodestackr/bima-bazaar-api/ports/statestore"
)

func newTestPlatform(t *testing.T, cfg Config) *Platform {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = statestore.NewMemStore()
	}
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	p := newTestPlatform(t, Config{})
	assert.Equal(t, DefaultShardCount, p.cfg.ShardCount)
	assert.Equal(t, DefaultCacheSize, p.cfg.CacheSize)
	assert.Equal(t, claims.DefaultBatchSize, p.cfg.BatchSize)
	assert.Len(t, p.shards, DefaultShardCount)
}

func TestRoute_DeterministicAndInRange(t *testing.T) {
	p := newTestPlatform(t, Config{})

	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("entity-%d", i)
		idx := p.Route(id)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, DefaultShardCount)
		require.Equal(t, idx, p.Route(id), "routing must be stable")
		require.Same(t, p.shards[idx], p.Shard(id))
	}
}

func TestRoute_CustomSharder(t *testing.T) {
	p := newTestPlatform(t, Config{Sharder: shardhash.Const(3)})

	for _, id := range []string{"saccoX", "nairobi", "gpt-matatu"} {
		require.Equal(t, 3, p.Route(id))
		require.Same(t, p.shards[3], p.Shard(id))
	}

	// Default routing spreads ids; a pinned sharder funnels them all into
	// one shard's caches.
	a, err := p.GetPolicyRegistry(t.Context(), "saccoX")
	require.NoError(t, err)
	b, err := p.GetPolicyRegistry(t.Context(), "saccoY")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, p.shards[3].registries.Len())
}

func TestGet_CachesInstances(t *testing.T) {
	p := newTestPlatform(t, Config{})

	a, err := p.GetPolicyRegistry(t.Context(), "saccoX")
	require.NoError(t, err)
	b, err := p.GetPolicyRegistry(t.Context(), "saccoX")
	require.NoError(t, err)
	assert.Same(t, a, b, "repeated lookups return the cached instance")

	other, err := p.GetPolicyRegistry(t.Context(), "saccoY")
	require.NoError(t, err)
	assert.NotSame(t, a, other)
}

func TestGet_KindsAreIndependent(t *testing.T) {
	p := newTestPlatform(t, Config{})

	// The same entity id names different durable objects per kind; they get
	// distinct store keys and distinct cache slots.
	r, err := p.GetPolicyRegistry(t.Context(), "nairobi")
	require.NoError(t, err)
	b, err := p.GetClaimsBatcher(t.Context(), "nairobi")
	require.NoError(t, err)
	m, err := p.GetCreditManager(t.Context(), "nairobi")
	require.NoError(t, err)

	assert.NotEqual(t, r.Key(), b.Key())
	assert.NotEqual(t, b.Key(), m.Key())
}

func TestGet_ConcurrentSingleInstance(t *testing.T) {
	p := newTestPlatform(t, Config{})

	const n = 16
	var wg sync.WaitGroup
	got := make([]*policy.Registry, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], errs[i] = p.GetPolicyRegistry(t.Context(), "saccoX")
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i], "never two live instances for one entity")
	}
}

func TestGet_HydratesFromStore(t *testing.T) {
	store := statestore.NewMemStore()

	seed := policy.NewRegistry("saccoX", store)
	require.NoError(t, seed.RegisterVehicle(t.Context(), "KAA123A", policy.Driver{}))

	p := newTestPlatform(t, Config{Store: store})
	r, err := p.GetPolicyRegistry(t.Context(), "saccoX")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Version())
	require.NoError(t, r.View(t.Context(), func(s *policy.State) error {
		assert.Contains(t, s.Vehicles, "KAA123A")
		return nil
	}))
}

func TestGet_EvictionRehydrates(t *testing.T) {
	store := statestore.NewMemStore()
	// One shard so all registries share one cache; capacity two forces the
	// oldest entry out on the third insert.
	p := newTestPlatform(t, Config{Store: store, ShardCount: 1, CacheSize: 2})

	a, err := p.GetPolicyRegistry(t.Context(), "sacco1")
	require.NoError(t, err)
	require.NoError(t, a.RegisterVehicle(t.Context(), "KAA111A", policy.Driver{}))

	_, err = p.GetPolicyRegistry(t.Context(), "sacco2")
	require.NoError(t, err)
	_, err = p.GetPolicyRegistry(t.Context(), "sacco3")
	require.NoError(t, err)

	again, err := p.GetPolicyRegistry(t.Context(), "sacco1")
	require.NoError(t, err)
	assert.NotSame(t, a, again, "evicted instance is rebuilt, not resurrected")
	assert.Equal(t, uint64(1), again.Version(), "rebuilt instance restores persisted state")
}

func TestPlatform_EndToEndFlow(t *testing.T) {
	p := newTestPlatform(t, Config{BatchSize: 10})

	reg, err := p.GetPolicyRegistry(t.Context(), "saccoX")
	require.NoError(t, err)
	require.NoError(t, reg.RegisterVehicle(t.Context(), "KAA123A", policy.Driver{Name: "Wanjiku"}))

	c := claims.Claim{ID: "c1", SaccoID: "saccoX", VehicleReg: "KAA123A", Amount: 500}
	require.NoError(t, reg.SubmitClaim(t.Context(), c))

	batcher, err := p.GetClaimsBatcher(t.Context(), "nairobi")
	require.NoError(t, err)
	ref, err := batcher.Enqueue(t.Context(), c)
	require.NoError(t, err)

	res, err := batcher.ProcessBatch(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []claims.Ref{ref}, res.Settled)

	mgr, err := p.GetCreditManager(t.Context(), "gpt-matatu")
	require.NoError(t, err)
	require.NoError(t, mgr.TopUp(t.Context(), 100))
	require.NoError(t, mgr.Deduct(t.Context(), 30, "t1", func(ctx context.Context) error { return nil }))
	bal, err := mgr.Balance(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 70.0, bal)
}
