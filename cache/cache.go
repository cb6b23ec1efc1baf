// Package cache implements the QueryCache: a bounded, TTL-aware, erased
// value store with pluggable eviction, single-flight fetch deduplication,
// and hit/miss/latency metrics.
//
// Grounded on cache-manager/cache.go's L1Cache (RWMutex-guarded map plus
// container/list LRU ordering), generalized from a single hard-coded LRU
// policy and a fixed-type interface{} value to a CacheEntry model carrying
// staleness/freshness and a pluggable EvictionPolicy, per spec §3/§4.2.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config bounds a QueryCache's size and configures its eviction and GC
// behavior. Grounded on cache-manager/service.go's Config struct.
type Config struct {
	MaxEntries    int
	MaxBytes      int64
	Policy        EvictionPolicy
	GCInterval    time.Duration
	DefaultStale  time.Duration
	DefaultCache  time.Duration
	LatencyRingCap int
}

// DefaultConfig returns sane defaults: LRU eviction, 10k entries, 64MiB,
// a one-minute GC sweep.
func DefaultConfig() Config {
	return Config{
		MaxEntries:     10_000,
		MaxBytes:       64 << 20,
		Policy:         LRUPolicy{},
		GCInterval:     1 * time.Minute,
		DefaultStale:   0,
		DefaultCache:   5 * time.Minute,
		LatencyRingCap: 256,
	}
}

// QueryCache is the bounded in-memory store shared by every Query the owning
// QueryClient creates. All mutation is serialized by mu, per spec §5's
// "single reentrant guard per QueryCache" requirement.
type QueryCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	group singleflight.Group // single-flight: exactly one fetch in flight per key, per spec §4.2/§5.

	config  Config
	metrics *Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a QueryCache and starts its background GC sweep.
func New(config Config) *QueryCache {
	if config.Policy == nil {
		config.Policy = LRUPolicy{}
	}
	c := &QueryCache{
		entries: make(map[string]*Entry),
		config:  config,
		metrics: NewMetrics(config.LatencyRingCap),
		stopCh:  make(chan struct{}),
	}
	if config.GCInterval > 0 {
		c.wg.Add(1)
		go c.runGC()
	}
	return c
}

// Get looks up key, recording a hit or miss and, on hit, bumping
// LastAccessedAt/AccessCount.
func (c *QueryCache) Get(key string) (*Entry, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.metrics.RecordMiss()
		return nil, false
	}

	entry.touch(now)
	c.metrics.RecordHit()
	return entry, true
}

// Peek looks up key without affecting hit/miss metrics or access tracking —
// used internally (e.g. by Query freshness checks and GetQueryData) where a
// lookup should not count as a consumer read.
func (c *QueryCache) Peek(key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

// Set inserts or replaces the entry for key, resolving stale/cache times
// against configured defaults, then triggers eviction if bounds are
// exceeded. Set never fails, per spec §4.2's "Failure modes".
func (c *QueryCache) Set(key string, data any, staleTime, cacheTime *time.Duration, refCount int) *Entry {
	stale := c.config.DefaultStale
	if staleTime != nil {
		stale = *staleTime
	}
	cache := c.config.DefaultCache
	if cacheTime != nil {
		cache = *cacheTime
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry := NewEntry(data, stale, cache, now)
	entry.ReferenceCount = refCount
	c.entries[key] = entry
	c.metrics.RecordSet()

	c.evictLocked()
	c.metrics.ObservePeakBytes(c.totalBytesLocked())

	return entry
}

// SetRefCount updates the pinning count an entry carries, used by Query to
// keep the cache's eviction-pinning view in sync with subscriber counts.
func (c *QueryCache) SetRefCount(key string, refCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.ReferenceCount = refCount
	}
}

// Remove drops key's entry and any single-flight registration. It does not
// cancel an in-flight fetch; that is the caller's (Query's) responsibility
// via its CancellationToken.
func (c *QueryCache) Remove(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

// Keys returns a snapshot of every key currently present. Used by
// invalidation APIs that pattern-match over key strings.
func (c *QueryCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Clear removes every entry. In-flight Deduplicate calls are not dropped:
// they run to completion and deregister themselves.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// Deduplicate ensures exactly one fetch is in flight for key at a time: a
// concurrent caller joins the existing call and observes the same result.
// Built directly on golang.org/x/sync/singleflight, per spec §4.2/§5/§8's
// single-flight requirement.
func (c *QueryCache) Deduplicate(ctx context.Context, key string, fetch func(ctx context.Context) (any, error)) (any, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		return fetch(ctx)
	})
	return v, err
}

// Info returns a point-in-time snapshot of cache-level metrics, reporting
// zero active subscriptions. Callers that track subscriber counts
// themselves (e.g. queryclient.Client) should use InfoWithSubscriptions.
func (c *QueryCache) Info() Snapshot {
	return c.InfoWithSubscriptions(0)
}

// InfoWithSubscriptions is Info, but with the Snapshot's Subscriptions
// field populated from the caller's own subscriber count — the cache
// itself has no notion of a "subscription", that's a Query-level concept.
func (c *QueryCache) InfoWithSubscriptions(subscriptions int) Snapshot {
	c.mu.RLock()
	count := len(c.entries)
	bytes := c.totalBytesLocked()
	c.mu.RUnlock()
	return c.metrics.Info(bytes, count, subscriptions)
}

// Metrics exposes the underlying Metrics accumulator for callers (e.g.
// Query) that need to record fetch durations directly.
func (c *QueryCache) Metrics() *Metrics {
	return c.metrics
}

// Shutdown stops the background GC sweep.
func (c *QueryCache) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *QueryCache) totalBytesLocked() int64 {
	var total int64
	for _, e := range c.entries {
		total += int64(e.SizeBytes())
	}
	return total
}

// evictLocked selects and removes victims, ascending by the configured
// policy's ordering, until both the count and byte bounds hold or no
// evictable (unpinned) candidate remains. Per spec §4.2: if every entry is
// pinned, the cache accepts the temporary overshoot and retries on the next
// mutation.
func (c *QueryCache) evictLocked() {
	for c.overLocked() {
		candidates := make(map[string]*Entry)
		for k, e := range c.entries {
			if e.ReferenceCount == 0 {
				candidates[k] = e
			}
		}
		if len(candidates) == 0 {
			return
		}

		victims := c.config.Policy.Order(candidates)
		if len(victims) == 0 {
			return
		}

		delete(c.entries, victims[0])
		c.metrics.RecordEviction()
	}
}

func (c *QueryCache) overLocked() bool {
	if c.config.MaxEntries > 0 && len(c.entries) > c.config.MaxEntries {
		return true
	}
	if c.config.MaxBytes > 0 && c.totalBytesLocked() > c.config.MaxBytes {
		return true
	}
	return false
}

// runGC periodically removes expired, unpinned entries.
func (c *QueryCache) runGC() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *QueryCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if e.ReferenceCount == 0 && e.IsExpired(now) {
			delete(c.entries, k)
		}
	}
}
