package cache

import (
	"testing"
	"time"
)

func TestMetrics_HitRate(t *testing.T) {
	m := NewMetrics(100)
	m.RecordHit()
	m.RecordHit()
	m.RecordHit()
	m.RecordMiss()

	snap := m.Info(0, 0, 0)
	if snap.Hits != 3 || snap.Misses != 1 {
		t.Fatalf("unexpected counts: %+v", snap)
	}
	if snap.HitRate != 0.75 {
		t.Fatalf("expected hit rate 0.75, got %f", snap.HitRate)
	}
}

func TestMetrics_PeakBytesMonotone(t *testing.T) {
	m := NewMetrics(100)
	m.ObservePeakBytes(100)
	m.ObservePeakBytes(50) // lower value must not move the peak down
	m.ObservePeakBytes(200)

	snap := m.Info(0, 0, 0)
	if snap.PeakBytes != 200 {
		t.Fatalf("expected peak 200, got %d", snap.PeakBytes)
	}
}

func TestMetrics_FetchLatencyPercentiles(t *testing.T) {
	m := NewMetrics(100)
	for i := 1; i <= 100; i++ {
		m.RecordFetch(time.Duration(i) * time.Millisecond)
	}

	snap := m.Info(0, 0, 0)
	if snap.AvgFetchMs < 49 || snap.AvgFetchMs > 51 {
		t.Fatalf("expected avg near 50ms, got %f", snap.AvgFetchMs)
	}
	if snap.P95FetchMs < 94 || snap.P95FetchMs > 96 {
		t.Fatalf("expected p95 near 95ms, got %f", snap.P95FetchMs)
	}
}
