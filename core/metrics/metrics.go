// Package metrics provides backend-agnostic instrumentation interfaces so the
// core packages stay decoupled from any concrete metrics system. The
// Prometheus implementation lives in adapters/prometheus.
package metrics

// Timer measures the duration of an operation. Call ObserveDuration when the
// operation completes to record the elapsed time:
//
//	defer m.PersistDuration("policy_registry").ObserveDuration()
type Timer interface {
	// ObserveDuration records the elapsed time since the timer was created.
	ObserveDuration()
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a no-op Timer.
func NopTimer() Timer { return nopTimer{} }
