package platform

import (
	"context"

	"github.com/Qodestackr/bima-bazaar-api/core/cache"
	"github.com/Qodestackr/bima-bazaar-api/core/claims"
	"github.com/Qodestackr/bima-bazaar-api/core/credit"
	"github.com/Qodestackr/bima-bazaar-api/core/policy"
	"github.com/Qodestackr/bima-bazaar-api/core/sf"
)

// Shard owns the in-memory durable objects for one partition of the entity id
// space. Instances hydrate on demand and live in bounded LRU caches; eviction
// is safe because entities persist in the backing store and in-flight persists
// stay CAS-guarded.
type Shard struct {
	index int
	p     *Platform

	registries cache.TypedCache[*policy.Registry]
	batchers   cache.TypedCache[*claims.Batcher]
	credits    cache.TypedCache[*credit.Manager]

	sfRegistries *sf.Singleflight[*policy.Registry]
	sfBatchers   *sf.Singleflight[*claims.Batcher]
	sfCredits    *sf.Singleflight[*credit.Manager]
}

func newShard(index int, p *Platform) *Shard {
	newCache := func(kind string) *cache.LRU {
		return cache.NewLRU(cache.LRUOpts{
			Size:    p.cfg.CacheSize,
			OnEvict: func(string, any) { p.cfg.Metrics.Evicted(kind) },
		})
	}
	return &Shard{
		index:        index,
		p:            p,
		registries:   cache.NewTyped[*policy.Registry](newCache("policy_registry")),
		batchers:     cache.NewTyped[*claims.Batcher](newCache("claims_batcher")),
		credits:      cache.NewTyped[*credit.Manager](newCache("ai_credit_manager")),
		sfRegistries: sf.New[*policy.Registry](),
		sfBatchers:   sf.New[*claims.Batcher](),
		sfCredits:    sf.New[*credit.Manager](),
	}
}

// Index returns the shard's position in the partition ring.
func (s *Shard) Index() int { return s.index }

func (s *Shard) getPolicyRegistry(ctx context.Context, saccoID string) (*policy.Registry, error) {
	return getOrCreate(ctx, s.p, "policy_registry", saccoID, s.registries, s.sfRegistries,
		func() *policy.Registry {
			return policy.NewRegistry(saccoID, s.p.cfg.Store,
				policy.WithLogger(s.p.cfg.Log),
				policy.WithMetrics(s.p.cfg.Metrics),
				policy.WithScheduler(s.p.sched),
			)
		})
}

func (s *Shard) getClaimsBatcher(ctx context.Context, region string) (*claims.Batcher, error) {
	return getOrCreate(ctx, s.p, "claims_batcher", region, s.batchers, s.sfBatchers,
		func() *claims.Batcher {
			return claims.NewBatcher(region, s.p.cfg.Store,
				claims.WithLogger(s.p.cfg.Log),
				claims.WithMetrics(s.p.cfg.Metrics),
				claims.WithScheduler(s.p.sched),
				claims.WithBatchSize(s.p.cfg.BatchSize),
			)
		})
}

func (s *Shard) getCreditManager(ctx context.Context, modelID string) (*credit.Manager, error) {
	return getOrCreate(ctx, s.p, "ai_credit_manager", modelID, s.credits, s.sfCredits,
		func() *credit.Manager {
			return credit.NewManager(modelID, s.p.cfg.Store,
				credit.WithLogger(s.p.cfg.Log),
				credit.WithMetrics(s.p.cfg.Metrics),
				credit.WithScheduler(s.p.sched),
			)
		})
}

type restorer interface {
	Restore(ctx context.Context) error
}

// getOrCreate returns the cached instance for key, or builds, restores and
// caches a new one. Concurrent misses for the same key collapse to a single
// hydration, so a key never gets two live instances.
func getOrCreate[T restorer](
	ctx context.Context,
	p *Platform,
	kind, key string,
	c cache.TypedCache[T],
	g *sf.Singleflight[T],
	build func() T,
) (T, error) {
	if v, ok := c.Get(key); ok {
		p.cfg.Metrics.CacheHit(kind)
		return v, nil
	}
	p.cfg.Metrics.CacheMiss(kind)

	return g.Do(key, func() (T, error) {
		// A racer may have finished hydrating while we waited.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v := build()
		if err := v.Restore(ctx); err != nil {
			var zero T
			return zero, err
		}
		c.Put(key, v)
		return v, nil
	})
}
