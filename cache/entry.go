package cache

import "time"

// Entry is a single cached value plus its temporal and access metadata. The
// value is stored erased (any); type safety is restored by the caller
// (queryclient enforces it with a registered reflect.Type per key).
type Entry struct {
	Data     any
	HasValue bool

	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time

	StaleTime time.Duration
	CacheTime time.Duration

	AccessCount int64

	// ReferenceCount mirrors the owning Query's subscriber count. Entries
	// with ReferenceCount > 0 are pinned and exempt from eviction while an
	// eligible unpinned candidate exists.
	ReferenceCount int

	sizeBytes int
}

// NewEntry builds an Entry for data created "now", deriving ExpiresAt from
// cacheTime per the invariant expiresAt >= createdAt + cacheTime.
func NewEntry(data any, staleTime, cacheTime time.Duration, now time.Time) *Entry {
	return &Entry{
		Data:           data,
		HasValue:       true,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(cacheTime),
		StaleTime:      staleTime,
		CacheTime:      cacheTime,
		AccessCount:    0,
		sizeBytes:      EstimateSize(data),
	}
}

// IsFresh reports whether the entry's age is less than its stale time.
func (e *Entry) IsFresh(now time.Time) bool {
	return now.Sub(e.CreatedAt) < e.StaleTime
}

// IsStale is the negation of IsFresh.
func (e *Entry) IsStale(now time.Time) bool {
	return !e.IsFresh(now)
}

// IsExpired reports whether the entry is past its maximum inactive lifetime.
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// touch records an access: bumps LastAccessedAt and AccessCount. Callers
// must hold the owning QueryCache's lock.
func (e *Entry) touch(now time.Time) {
	e.LastAccessedAt = now
	e.AccessCount++
}

// SizeBytes returns the entry's estimated footprint, computed once at
// construction/update time (see EstimateSize).
func (e *Entry) SizeBytes() int {
	return e.sizeBytes
}
