// Package metrics provides the monitor-sink collaborator from spec.md §6.2:
// an Increment(counterName) interface and a reference in-memory
// implementation. Grounded on the gateway connection pool's PoolMetrics
// pattern elsewhere in the pack (a sync.Map of atomic counters, one per
// diagnostic name).
package metrics

import (
	"sync"
	"sync/atomic"
)

// Diagnostic counter names the failover executor increments. These mirror
// spec.md §6's named fields.
const (
	RecoverableLBConnectErrors       = "recoverable_lb_connect_errors"
	RecoverableTimedOutExceptions    = "recoverable_timed_out_exceptions"
	RecoverableUnavailableExceptions = "recoverable_unavailable_exceptions"
	RecoverableTransportExceptions   = "recoverable_transport_exceptions"
)

// Sink is the monitoring collaborator consumed by the failover executor.
// Real deployments wire this to their metrics exporter (out of scope here,
// per spec.md §1); MapSink is the reference implementation used in tests
// and the demo.
type Sink interface {
	Increment(counterName string)
}

// MapSink is an in-memory Sink keyed by counter name, safe for concurrent
// use from many goroutines.
type MapSink struct {
	counters sync.Map // map[string]*int64
}

// NewMapSink returns a ready-to-use MapSink.
func NewMapSink() *MapSink { return &MapSink{} }

// Increment bumps counterName by one, creating it on first use.
func (m *MapSink) Increment(counterName string) {
	v, _ := m.counters.LoadOrStore(counterName, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// Get returns the current value of counterName (0 if never incremented).
func (m *MapSink) Get(counterName string) int64 {
	v, ok := m.counters.Load(counterName)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}

// Snapshot returns a point-in-time copy of all counters.
func (m *MapSink) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	m.counters.Range(func(key, value any) bool {
		out[key.(string)] = atomic.LoadInt64(value.(*int64))
		return true
	})
	return out
}

// NoOpSink discards every increment. Useful when the caller doesn't care
// about diagnostics (e.g. short-lived tests of unrelated behavior).
type NoOpSink struct{}

func (NoOpSink) Increment(string) {}
