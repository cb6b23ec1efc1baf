// Package queryclient owns the shared QueryCache, CircuitBreaker registry
// and dependency graph a set of Query[T] values are registered against, and
// is the type-erased front door applications use to address them by key.
//
// Grounded on cache-manager/service.go's Service struct (one struct owning a
// cache, a coalescer and a metrics collector, exposed as a package-level
// singleton via Encore's service annotations); generalized here into an
// explicitly-constructed, dependency-injected Client with no process-wide
// singleton and no transport layer.
package queryclient

import (
	"reflect"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/arcanecache/querycache/breaker"
	"github.com/arcanecache/querycache/cache"
	"github.com/arcanecache/querycache/observer"
	"github.com/arcanecache/querycache/pkg/utils"
	"github.com/arcanecache/querycache/query"
	"github.com/arcanecache/querycache/querydep"
	"github.com/arcanecache/querycache/querykey"
)

// Config bundles the sub-component configuration a Client wires together.
type Config struct {
	Cache          cache.Config
	CircuitBreaker breaker.Options

	// Logger receives diagnostics for conditions the Client recovers from
	// internally (a panicking Observer) rather than
	// propagating. Defaults to a no-op logger.
	Logger logr.Logger
}

// DefaultConfig returns the suggested defaults for every sub-component.
func DefaultConfig() Config {
	return Config{
		Cache:          cache.DefaultConfig(),
		CircuitBreaker: breaker.DefaultOptions(),
		Logger:         logr.Discard(),
	}
}

type registeredQuery struct {
	valueType reflect.Type
	query     any // *query.Query[T], boxed
}

// Client is the shared owner of a QueryCache, a CircuitBreaker Registry and
// a dependency Manager, and the type-erased registry of every Query
// currently addressed by key.
type Client struct {
	mu      sync.RWMutex
	queries map[string]*registeredQuery

	cache    *cache.QueryCache
	breakers *breaker.Registry
	deps     *querydep.Manager
	logger   logr.Logger

	obsMu     sync.Mutex
	observers []observer.Observer
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Client{
		queries:  make(map[string]*registeredQuery),
		cache:    cache.New(cfg.Cache),
		breakers: breaker.NewRegistry(cfg.CircuitBreaker),
		deps:     querydep.NewManager(),
		logger:   logger,
	}
}

// Cache exposes the underlying QueryCache for callers that need direct
// cache-level access (e.g. a demo binary printing Info()).
func (c *Client) Cache() *cache.QueryCache { return c.cache }

// Breakers exposes the underlying CircuitBreaker registry.
func (c *Client) Breakers() *breaker.Registry { return c.breakers }

func (c *Client) removeQuery(keyStr string) {
	c.mu.Lock()
	delete(c.queries, keyStr)
	c.mu.Unlock()
}

// GetQuery returns the Query registered under key, constructing one with
// fetchFn and opts on first use. A key reused with a different value type T
// than it was first registered with yields a TypeMismatchError.
//
// GetQuery is a free function, not a method, because Go methods cannot
// introduce additional type parameters beyond their receiver's.
func GetQuery[T any](c *Client, key querykey.Key, fetchFn query.FetchFunc[T], opts query.Options[T]) (*query.Query[T], error) {
	keyStr := key.String()
	wantType := reflect.TypeOf((*T)(nil)).Elem()

	c.mu.RLock()
	existing, ok := c.queries[keyStr]
	c.mu.RUnlock()
	if ok {
		return assertQueryType[T](keyStr, wantType, existing)
	}

	q := query.New(key, fetchFn, opts, c.cache, c.breakers, c.deps, c.removeQuery)

	c.mu.Lock()
	if existing, ok := c.queries[keyStr]; ok {
		c.mu.Unlock()
		// Lost a construction race: drop the redundant Query and return the
		// one that won.
		q.Dispose()
		return assertQueryType[T](keyStr, wantType, existing)
	}
	c.queries[keyStr] = &registeredQuery{valueType: wantType, query: q}
	c.mu.Unlock()

	wireObserversFor(c, keyStr, q)
	return q, nil
}

func assertQueryType[T any](keyStr string, wantType reflect.Type, rq *registeredQuery) (*query.Query[T], error) {
	if rq.valueType != wantType {
		return nil, &query.TypeMismatchError{Key: keyStr, Want: wantType.String(), Got: rq.valueType.String()}
	}
	return rq.query.(*query.Query[T]), nil
}

// GetQueryByKey returns an already-registered Query without constructing a
// new one. The bool is false if no Query is registered under key, or if one
// is registered with a different value type.
func GetQueryByKey[T any](c *Client, key querykey.Key) (*query.Query[T], bool) {
	c.mu.RLock()
	rq, ok := c.queries[key.String()]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	q, ok := rq.query.(*query.Query[T])
	return q, ok
}

// SetQueryData writes data directly, bypassing any fetch function. If a
// Query is already registered under key its listeners are notified; if not,
// the value sits in the cache for the next GetQuery to pick up via
// hydration.
func SetQueryData[T any](c *Client, key querykey.Key, data T) error {
	keyStr := key.String()
	wantType := reflect.TypeOf((*T)(nil)).Elem()

	c.mu.RLock()
	rq, ok := c.queries[keyStr]
	c.mu.RUnlock()

	if ok {
		q, err := assertQueryType[T](keyStr, wantType, rq)
		if err != nil {
			return err
		}
		q.SetData(data)
		return nil
	}

	c.cache.Set(keyStr, data, nil, nil, 0)
	return nil
}

// GetQueryData reads the cached value for key without going through a
// registered Query, e.g. for inspecting state the application never
// subscribed to.
func GetQueryData[T any](c *Client, key querykey.Key) (T, bool) {
	var zero T
	entry, ok := c.cache.Peek(key.String())
	if !ok || !entry.HasValue {
		return zero, false
	}
	data, ok := entry.Data.(T)
	if !ok {
		return zero, false
	}
	return data, true
}

// InvalidateQuery drops key's cached value and, if a Query is registered
// under it, triggers a background revalidation.
func (c *Client) InvalidateQuery(key querykey.Key) {
	c.invalidateKeyString(key.String())
}

// InvalidateWithPrefix invalidates every key whose string form starts with
// prefix, and returns the number invalidated. Grounded on
// pkg/utils/pattern.go's prefix fast-path.
func (c *Client) InvalidateWithPrefix(prefix string) int {
	matched, err := utils.FilterKeys(prefix+"*", c.cache.Keys())
	if err != nil {
		return 0
	}
	for _, k := range matched {
		c.invalidateKeyString(k)
	}
	return len(matched)
}

// InvalidateWhere invalidates every key matching pattern (exact, prefix, or
// regex-fallback glob), per pkg/utils/pattern.go's MatchPattern semantics.
func (c *Client) InvalidateWhere(pattern string) (int, error) {
	matched, err := utils.FilterKeys(pattern, c.cache.Keys())
	if err != nil {
		return 0, err
	}
	for _, k := range matched {
		c.invalidateKeyString(k)
	}
	return len(matched), nil
}

func (c *Client) invalidateKeyString(keyStr string) {
	c.cache.Remove(keyStr)
	c.mu.RLock()
	rq, ok := c.queries[keyStr]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if r, ok := rq.query.(query.Refresher); ok {
		r.RefetchAsync()
	}
}

// RemoveQuery disposes and unregisters the Query under key, and drops its
// cached value. Safe to call whether or not a Query is currently registered.
func (c *Client) RemoveQuery(key querykey.Key) {
	keyStr := key.String()

	c.mu.Lock()
	rq, ok := c.queries[keyStr]
	delete(c.queries, keyStr)
	c.mu.Unlock()

	if ok {
		if d, ok := rq.query.(interface{ Dispose() }); ok {
			d.Dispose()
		}
	}
	c.cache.Remove(keyStr)
}

// RegisterObserver adds o to the set of Observers notified on every
// registered Query's lifecycle transitions, including Queries registered
// after this call.
func (c *Client) RegisterObserver(o observer.Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

// UnregisterObserver removes o, if present.
func (c *Client) UnregisterObserver(o observer.Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for i, existing := range c.observers {
		if existing == o {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

type errorReporter struct {
	fn func(key string, err error)
}

func (errorReporter) OnQueryLoading(string)                     {}
func (errorReporter) OnQuerySuccess(string, observer.QuerySnapshot) {}
func (e errorReporter) OnQueryError(key string, err error)      { e.fn(key, err) }
func (errorReporter) OnQuerySettled(string)                     {}

// RegisterErrorReporter is a convenience wrapper around RegisterObserver for
// callers that only care about failures. The returned Observer can be passed
// to UnregisterObserver later.
func (c *Client) RegisterErrorReporter(fn func(key string, err error)) observer.Observer {
	o := errorReporter{fn: fn}
	c.RegisterObserver(o)
	return o
}

func wireObserversFor[T any](c *Client, keyStr string, q *query.Query[T]) {
	q.SetHooks(query.Lifecycle[T]{
		Loading: func(key string) {
			for _, o := range c.snapshotObservers() {
				c.dispatchObserver(key, func() { o.OnQueryLoading(key) })
			}
		},
		Success: func(key string, data T, fromCache bool) {
			snap := observer.QuerySnapshot{Key: key, RequestID: uuid.NewString(), DataUpdatedAt: time.Now(), FromCache: fromCache}
			for _, o := range c.snapshotObservers() {
				c.dispatchObserver(key, func() { o.OnQuerySuccess(key, snap) })
			}
		},
		Error: func(key string, err error) {
			for _, o := range c.snapshotObservers() {
				c.dispatchObserver(key, func() { o.OnQueryError(key, err) })
			}
		},
		Settled: func(key string) {
			for _, o := range c.snapshotObservers() {
				c.dispatchObserver(key, func() { o.OnQuerySettled(key) })
			}
		},
	})
}

// dispatchObserver runs fn, recovering a panic and logging it rather than
// letting it propagate into the Query's own notification path.
func (c *Client) dispatchObserver(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(nil, "observer panicked", "key", key, "recovered", r)
		}
	}()
	fn()
}

func (c *Client) snapshotObservers() []observer.Observer {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	return append([]observer.Observer(nil), c.observers...)
}

// GetMetrics rolls up cache-level metrics, query-registry counts, and each
// registered query's own fetch-performance breakdown into a single
// exportable snapshot.
func (c *Client) GetMetrics() observer.PerformanceSnapshot {
	c.mu.RLock()
	total := len(c.queries)
	active := 0
	subscriptions := 0
	perQuery := make(map[string]query.QueryMetrics, len(c.queries))
	for keyStr, rq := range c.queries {
		mp, ok := rq.query.(query.MetricsProvider)
		if !ok {
			continue
		}
		qm := mp.Metrics()
		perQuery[keyStr] = qm
		subscriptions += qm.RefCount
		if qm.RefCount > 0 {
			active++
		}
	}
	c.mu.RUnlock()

	snap := c.cache.InfoWithSubscriptions(subscriptions)

	return observer.PerformanceSnapshot{
		Timestamp:     time.Now(),
		TotalQueries:  total,
		ActiveQueries: active,
		CacheHits:     snap.Hits,
		CacheMisses:   snap.Misses,
		HitRate:       snap.HitRate,
		CurrentBytes:  snap.CurrentBytes,
		PeakBytes:     snap.PeakBytes,
		Evictions:     snap.Evictions,
		TotalFetches:  snap.TotalFetches,
		TotalLookups:  snap.TotalLookups,
		Subscriptions: snap.Subscriptions,
		AvgFetchMs:    snap.AvgFetchMs,
		P95FetchMs:    snap.P95FetchMs,
		PerQuery:      perQuery,
	}
}

// Dispose tears down every registered Query and stops the underlying cache's
// background GC sweep. The Client is not usable afterward.
func (c *Client) Dispose() {
	c.mu.Lock()
	disposables := make([]any, 0, len(c.queries))
	for _, rq := range c.queries {
		disposables = append(disposables, rq.query)
	}
	c.queries = make(map[string]*registeredQuery)
	c.mu.Unlock()

	for _, q := range disposables {
		if d, ok := q.(interface{ Dispose() }); ok {
			d.Dispose()
		}
	}
	c.cache.Shutdown()
}
