// Package shardhash maps entity identifiers to shard indexes.
//
// The hash must be stable across processes and Go releases: two nodes sharing
// one backing store have to agree on shard placement for every entity id, or
// the same entity ends up with two in-memory owners. blake2b is used rather
// than hash/maphash for exactly that reason (maphash is seeded per process).
package shardhash

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Sum64 returns a stable 64-bit digest of key.
func Sum64(key string) uint64 {
	// 8-byte digest => uint64 score
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(key))
	return binary.BigEndian.Uint64(h.Sum(nil))
}

// ForKey returns the shard index for key over a fixed shard count.
// Shard count is immutable configuration: changing it rehashes every entity.
func ForKey(key string, shardCount int) int {
	return int(Sum64(key) % uint64(shardCount))
}

// Sharder is a routing strategy over a fixed shard ring.
type Sharder interface {
	GetShardForKey(key string) int
}

type fnSharder struct {
	fn func(key string) int
}

func (s *fnSharder) GetShardForKey(key string) int { return s.fn(key) }

// Distributed routes by stable hash over count shards.
func Distributed(count int) Sharder {
	return &fnSharder{
		fn: func(key string) int {
			return ForKey(key, count)
		},
	}
}

// Const pins every key to one shard. Test hook.
func Const(shard int) Sharder {
	return &fnSharder{
		fn: func(key string) int {
			return shard
		},
	}
}
