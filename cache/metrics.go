package cache

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics accumulates hit/miss/eviction counters and fetch-latency
// percentiles for a QueryCache. Grounded on monitoring/metrics.go's
// MetricsCollector (atomic counters + a bounded ring buffer of latency
// samples), narrowed to the single-cache scope spec's CacheMetrics
// describes rather than the teacher's cross-service event stream.
type Metrics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	sets      atomic.Int64
	fetches   atomic.Int64
	lookups   atomic.Int64

	peakBytes atomic.Int64

	mu      sync.Mutex
	ring    []time.Duration
	ringPos int
	ringLen int
}

// NewMetrics creates a Metrics with a fetch-latency ring buffer of the given
// capacity. Spec requires cap >= 100.
func NewMetrics(ringCap int) *Metrics {
	if ringCap < 100 {
		ringCap = 100
	}
	return &Metrics{ring: make([]time.Duration, ringCap)}
}

func (m *Metrics) RecordHit()      { m.hits.Add(1); m.lookups.Add(1) }
func (m *Metrics) RecordMiss()     { m.misses.Add(1); m.lookups.Add(1) }
func (m *Metrics) RecordEviction() { m.evictions.Add(1) }
func (m *Metrics) RecordSet()      { m.sets.Add(1) }

// RecordFetch records one real-fetch duration, used for avg/p95 reporting.
func (m *Metrics) RecordFetch(d time.Duration) {
	m.fetches.Add(1)
	m.mu.Lock()
	m.ring[m.ringPos] = d
	m.ringPos = (m.ringPos + 1) % len(m.ring)
	if m.ringLen < len(m.ring) {
		m.ringLen++
	}
	m.mu.Unlock()
}

// ObservePeakBytes records the current byte footprint if it exceeds any
// previously observed peak.
func (m *Metrics) ObservePeakBytes(current int64) {
	for {
		peak := m.peakBytes.Load()
		if current <= peak {
			return
		}
		if m.peakBytes.CompareAndSwap(peak, current) {
			return
		}
	}
}

// Snapshot is a point-in-time view of cache-level metrics.
type Snapshot struct {
	Hits          int64
	Misses        int64
	Sets          int64
	Evictions     int64
	TotalFetches  int64
	TotalLookups  int64
	HitRate       float64
	CurrentBytes  int64
	PeakBytes     int64
	EntryCount    int
	Subscriptions int
	AvgFetchMs    float64
	P95FetchMs    float64
}

// Info produces a Snapshot combining the accumulated counters with the
// caller-supplied current size/count/subscription figures.
func (m *Metrics) Info(currentBytes int64, entryCount, subscriptions int) Snapshot {
	hits := m.hits.Load()
	misses := m.misses.Load()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	avg, p95 := m.latencyStats()

	return Snapshot{
		Hits:          hits,
		Misses:        misses,
		Sets:          m.sets.Load(),
		Evictions:     m.evictions.Load(),
		TotalFetches:  m.fetches.Load(),
		TotalLookups:  m.lookups.Load(),
		HitRate:       hitRate,
		CurrentBytes:  currentBytes,
		PeakBytes:     m.peakBytes.Load(),
		EntryCount:    entryCount,
		Subscriptions: subscriptions,
		AvgFetchMs:    avg,
		P95FetchMs:    p95,
	}
}

func (m *Metrics) latencyStats() (avgMs, p95Ms float64) {
	m.mu.Lock()
	n := m.ringLen
	samples := make([]float64, n)
	for i := 0; i < n; i++ {
		samples[i] = float64(m.ring[i].Microseconds()) / 1000.0
	}
	m.mu.Unlock()

	if n == 0 {
		return 0, 0
	}

	sort.Float64s(samples)

	sum := 0.0
	for _, s := range samples {
		sum += s
	}

	return sum / float64(n), percentile(samples, 0.95)
}

// percentile computes the p-th percentile of sorted values via linear
// interpolation, grounded on monitoring/metrics.go's percentile().
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return sorted[lower]
	}
	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
