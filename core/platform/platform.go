// Package platform is the horizontal-scaling controller: it routes entity ids
// to shards by deterministic hashing and hands out the shard-cached domain
// objects (policy registries, claims batchers, credit managers).
package platform

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Qodestackr/bima-bazaar-api/core/claims"
	"github.com/Qodestackr/bima-bazaar-api/core/credit"
	"github.com/Qodestackr/bima-bazaar-api/core/durable"
	"github.com/Qodestackr/bima-bazaar-api/core/perkey"
	"github.com/Qodestackr/bima-bazaar-api/core/policy"
	"github.com/Qodestackr/bima-bazaar-api/internal/shardhash"
	"github.com/Qodestackr/bima-bazaar-api/ports/statestore"
)

const (
	// DefaultShardCount is tuned for 64-core nodes. Shard count is immutable
	// configuration: changing it rehashes every entity, so all processes
	// sharing one backing store must agree on it.
	DefaultShardCount = 64

	// DefaultCacheSize bounds each shard's per-kind instance cache.
	DefaultCacheSize = 1024
)

type Config struct {
	// Store is the shared backing store. Required.
	Store statestore.Store

	// Log defaults to slog.Default().
	Log *slog.Logger

	// Metrics defaults to nop.
	Metrics durable.Metrics

	// ShardCount defaults to DefaultShardCount.
	ShardCount int

	// Sharder overrides the routing strategy. Defaults to
	// shardhash.Distributed(ShardCount); must stay within ShardCount.
	// Test hook (shardhash.Const pins every entity to one shard).
	Sharder shardhash.Sharder

	// CacheSize bounds each shard's per-kind instance cache.
	// Defaults to DefaultCacheSize.
	CacheSize int

	// BatchSize bounds claim settlement cycles. Defaults to
	// claims.DefaultBatchSize.
	BatchSize int
}

// Platform owns the shards and the per-entity transaction scheduler.
type Platform struct {
	cfg    Config
	log    *slog.Logger
	sched  *perkey.Scheduler[string]
	shards []*Shard
}

func New(cfg Config) (*Platform, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = durable.NopMetrics()
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = DefaultShardCount
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = claims.DefaultBatchSize
	}
	if cfg.Sharder == nil {
		cfg.Sharder = shardhash.Distributed(cfg.ShardCount)
	}

	p := &Platform{
		cfg:   cfg,
		log:   cfg.Log.With(slog.String("component", "platform")),
		sched: perkey.New[string](0),
	}
	p.shards = make([]*Shard, cfg.ShardCount)
	for i := range p.shards {
		p.shards[i] = newShard(i, p)
	}

	p.log.Debug("platform created",
		slog.Int("shards", cfg.ShardCount),
		slog.Int("cache_size", cfg.CacheSize))
	return p, nil
}

// Route maps an entity id to its shard index. Pure and stable across
// processes: the same id always lands on the same shard.
func (p *Platform) Route(entityID string) int {
	return p.cfg.Sharder.GetShardForKey(entityID)
}

// Shard returns the shard owning entityID.
func (p *Platform) Shard(entityID string) *Shard {
	return p.shards[p.Route(entityID)]
}

// GetPolicyRegistry returns the live registry for a SACCO, hydrating it on
// first access.
func (p *Platform) GetPolicyRegistry(ctx context.Context, saccoID string) (*policy.Registry, error) {
	return p.Shard(saccoID).getPolicyRegistry(ctx, saccoID)
}

// GetClaimsBatcher returns the live batcher for a region, hydrating it on
// first access.
func (p *Platform) GetClaimsBatcher(ctx context.Context, region string) (*claims.Batcher, error) {
	return p.Shard(region).getClaimsBatcher(ctx, region)
}

// GetCreditManager returns the live credit manager for a model, hydrating it
// on first access.
func (p *Platform) GetCreditManager(ctx context.Context, modelID string) (*credit.Manager, error) {
	return p.Shard(modelID).getCreditManager(ctx, modelID)
}

// Close shuts down the transaction scheduler. Queued transactions still run.
func (p *Platform) Close() {
	p.sched.Close()
}
