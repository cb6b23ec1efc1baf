package cache

import "sort"

// EvictionPolicy selects victims from a set of unpinned candidate entries
// when the cache overflows its byte or count bounds. Implementations order
// candidates ascending by the dimension they care about; the caller evicts
// from the front until both bounds hold again.
//
// Grounded on cache-manager/policies.go's EvictionPolicy interface,
// generalized from an ShouldEvict(entry)-per-call-site shape into a
// batch-ordering shape, since spec's eviction is "select victims until both
// bounds hold" rather than "evict this one now".
type EvictionPolicy interface {
	// Order returns candidate keys ordered from best-victim-first to
	// worst-victim-first.
	Order(candidates map[string]*Entry) []string
	Name() string
}

// LRUPolicy evicts the least-recently-accessed entry first.
type LRUPolicy struct{}

func (LRUPolicy) Name() string { return "lru" }

func (LRUPolicy) Order(candidates map[string]*Entry) []string {
	keys := keysOf(candidates)
	sort.Slice(keys, func(i, j int) bool {
		return candidates[keys[i]].LastAccessedAt.Before(candidates[keys[j]].LastAccessedAt)
	})
	return keys
}

// LFUPolicy evicts the least-frequently-accessed entry first, breaking ties
// by least-recently-accessed.
type LFUPolicy struct{}

func (LFUPolicy) Name() string { return "lfu" }

func (LFUPolicy) Order(candidates map[string]*Entry) []string {
	keys := keysOf(candidates)
	sort.Slice(keys, func(i, j int) bool {
		a, b := candidates[keys[i]], candidates[keys[j]]
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	})
	return keys
}

// FIFOPolicy evicts the oldest-created entry first.
type FIFOPolicy struct{}

func (FIFOPolicy) Name() string { return "fifo" }

func (FIFOPolicy) Order(candidates map[string]*Entry) []string {
	keys := keysOf(candidates)
	sort.Slice(keys, func(i, j int) bool {
		return candidates[keys[i]].CreatedAt.Before(candidates[keys[j]].CreatedAt)
	})
	return keys
}

func keysOf(m map[string]*Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
