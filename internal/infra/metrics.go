package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability of the read layer.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	cacheHits       atomic.Uint64
	cacheMisses     atomic.Uint64
	reconciles      atomic.Uint64
	reconcileErrors atomic.Uint64
	remoteWrites    atomic.Uint64
	seeds           atomic.Uint64

	// Latency tracking of remote round trips
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeSubscriptions atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordCacheHit records a read served from a session snapshot.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordCacheMiss records a read that waited for the remote store.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

// RecordReconcile records a finished background reconcile.
func (m *Metrics) RecordReconcile(err error) {
	m.reconciles.Add(1)
	if err != nil {
		m.reconcileErrors.Add(1)
	}
}

// RecordRemoteWrite records a write to the remote store.
func (m *Metrics) RecordRemoteWrite() {
	m.remoteWrites.Add(1)
}

// RecordSeed records a starter set write.
func (m *Metrics) RecordSeed() {
	m.seeds.Add(1)
}

// RecordLatency records one remote round trip.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.latencySumNs.Add(d.Nanoseconds())
	m.latencyCount.Add(1)
}

// IncrementSubscriptions increments active subscriptions by 1.
func (m *Metrics) IncrementSubscriptions() {
	m.activeSubscriptions.Add(1)
}

// DecrementSubscriptions decrements active subscriptions by 1.
func (m *Metrics) DecrementSubscriptions() {
	m.activeSubscriptions.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	CacheHits           uint64    `json:"cacheHits"`
	CacheMisses         uint64    `json:"cacheMisses"`
	Reconciles          uint64    `json:"reconciles"`
	ReconcileErrors     uint64    `json:"reconcileErrors"`
	RemoteWrites        uint64    `json:"remoteWrites"`
	Seeds               uint64    `json:"seeds"`
	AvgLatencyNs        int64     `json:"avgLatencyNs"`
	ActiveSubscriptions int32     `json:"activeSubscriptions"`
	Timestamp           time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		CacheHits:           m.cacheHits.Load(),
		CacheMisses:         m.cacheMisses.Load(),
		Reconciles:          m.reconciles.Load(),
		ReconcileErrors:     m.reconcileErrors.Load(),
		RemoteWrites:        m.remoteWrites.Load(),
		Seeds:               m.seeds.Load(),
		AvgLatencyNs:        avgLatency,
		ActiveSubscriptions: m.activeSubscriptions.Load(),
		Timestamp:           time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.cacheHits.Store(0)
	m.cacheMisses.Store(0)
	m.reconciles.Store(0)
	m.reconcileErrors.Store(0)
	m.remoteWrites.Store(0)
	m.seeds.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeSubscriptions.Store(0)
}
