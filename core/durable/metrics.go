package durable

import "github.com/Qodestackr/bima-bazaar-api/core/metrics"

// Metrics is the instrumentation surface of the durable-object engine and its
// surrounding shard machinery. Implementations must be safe for concurrent use.
type Metrics interface {
	// Engine operations, labelled by specialization kind.
	RestoreDuration(kind string) metrics.Timer
	PersistDuration(kind string) metrics.Timer
	Conflict(kind string)

	// Shard instance cache.
	CacheHit(kind string)
	CacheMiss(kind string)
	Evicted(kind string)

	// Batch settlement.
	BatchProcessed(region string, settled, missed int)
}

type nopMetrics struct{}

func (nopMetrics) RestoreDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) PersistDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) Conflict(string)                      {}
func (nopMetrics) CacheHit(string)                      {}
func (nopMetrics) CacheMiss(string)                     {}
func (nopMetrics) Evicted(string)                       {}
func (nopMetrics) BatchProcessed(string, int, int)      {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
