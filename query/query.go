// Package query implements Query[T], the generic stale-while-revalidate
// value wrapper: one fetch function, a cache-backed current State[T], and a
// set of subscribers that drive its lifecycle.
//
// Grounded on warming/worker_pool.go's retry/backoff loop and stopChan-based
// goroutine lifecycle, and on cache-manager/subscriptions.go's event/handler
// pairing (adapted here from cross-process Encore Pub/Sub dispatch to
// in-process listener fan-out).
package query

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/arcanecache/querycache/breaker"
	"github.com/arcanecache/querycache/cache"
	"github.com/arcanecache/querycache/cancel"
	"github.com/arcanecache/querycache/querydep"
	"github.com/arcanecache/querycache/querykey"
)

// Lifecycle carries the per-transition callbacks an Observer wants to
// receive. Declared here (not in package observer) so query need not import
// observer; queryclient adapts an observer.Observer into a Lifecycle[T] per
// registered Query.
type Lifecycle[T any] struct {
	Loading func(key string)
	Success func(key string, data T, fromCache bool)
	Error   func(key string, err error)
	Settled func(key string)
}

// Query[T] is a single cached, revalidatable value plus its subscribers.
type Query[T any] struct {
	key     querykey.Key
	fetchFn FetchFunc[T]
	opts    Options[T]

	cache    *cache.QueryCache
	breakers *breaker.Registry
	deps     *querydep.Manager

	onDispose func(key string)

	mu             sync.Mutex
	state          State[T]
	listeners      map[int]func(State[T])
	nextListenerID int
	refCount       int
	hooks          Lifecycle[T]

	disposeTimer *time.Timer
	disposed     bool

	token *cancel.Token // current in-flight fetch's token; nil when idle

	fetchCount   int
	totalFetchMs float64
	maxFetchMs   float64
	lastFetchMs  float64
	fetchHistory []float64
}

// fetchHistoryCap bounds the per-query recent-duration history kept for
// QueryMetrics.FetchHistoryMs.
const fetchHistoryCap = 100

// QueryMetrics is a per-query fetch-performance snapshot: fetch count,
// average/max/last fetch duration, a bounded recent-duration history, and
// the current reference count, per spec §6's "map of per-query metrics".
type QueryMetrics struct {
	FetchCount     int
	RefCount       int
	AvgFetchMs     float64
	MaxFetchMs     float64
	LastFetchMs    float64
	FetchHistoryMs []float64
}

// MetricsProvider is satisfied by every *Query[T] regardless of T, so
// queryclient can collect QueryMetrics across differently-typed Queries
// without reflection.
type MetricsProvider interface {
	Metrics() QueryMetrics
}

// Metrics returns a snapshot of this Query's own fetch-performance history.
func (q *Query[T]) Metrics() QueryMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	avg := 0.0
	if q.fetchCount > 0 {
		avg = q.totalFetchMs / float64(q.fetchCount)
	}
	history := make([]float64, len(q.fetchHistory))
	copy(history, q.fetchHistory)

	return QueryMetrics{
		FetchCount:     q.fetchCount,
		RefCount:       q.refCount,
		AvgFetchMs:     avg,
		MaxFetchMs:     q.maxFetchMs,
		LastFetchMs:    q.lastFetchMs,
		FetchHistoryMs: history,
	}
}

func (q *Query[T]) recordFetchDuration(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	q.mu.Lock()
	q.fetchCount++
	q.totalFetchMs += ms
	if ms > q.maxFetchMs {
		q.maxFetchMs = ms
	}
	q.lastFetchMs = ms
	q.fetchHistory = append(q.fetchHistory, ms)
	if len(q.fetchHistory) > fetchHistoryCap {
		q.fetchHistory = q.fetchHistory[len(q.fetchHistory)-fetchHistoryCap:]
	}
	q.mu.Unlock()
}

// New constructs a Query bound to key, using fetchFn as its data source.
// cache, breakers and deps are shared across every Query a QueryClient owns.
// onDispose is invoked exactly once, after the Query's ref-count has stayed
// at zero for opts.DisposalDelay, so the owning QueryClient can drop its
// registry entry.
func New[T any](
	key querykey.Key,
	fetchFn FetchFunc[T],
	opts Options[T],
	c *cache.QueryCache,
	breakers *breaker.Registry,
	deps *querydep.Manager,
	onDispose func(key string),
) *Query[T] {
	if opts.DisposalDelay <= 0 {
		opts.DisposalDelay = 5 * time.Second
	}
	q := &Query[T]{
		key:       key,
		fetchFn:   fetchFn,
		opts:      opts,
		cache:     c,
		breakers:  breakers,
		deps:      deps,
		onDispose: onDispose,
		listeners: make(map[int]func(State[T])),
		// Data arrives through the cache: hydration below or the first fetch.
		state: State[T]{Status: Loading},
	}
	if deps != nil {
		deps.Register(key.String(), q)
	}
	q.hydrateFromCache()
	return q
}

// hydrateFromCache seeds state from an entry already present under the
// Query's key, e.g. one set by QueryClient.SetQueryData before any
// subscriber attaches.
func (q *Query[T]) hydrateFromCache() {
	entry, ok := q.cache.Peek(q.key.String())
	if !ok || !entry.HasValue {
		return
	}
	data, ok := entry.Data.(T)
	if !ok {
		return
	}
	now := time.Now()
	q.mu.Lock()
	q.state = successState(data, entry.LastAccessedAt, entry.IsStale(now), false)
	q.mu.Unlock()
}

// Key returns the Query's address.
func (q *Query[T]) Key() querykey.Key { return q.key }

// State returns the Query's current snapshot.
func (q *Query[T]) State() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// RefCount returns the number of currently-attached listeners.
func (q *Query[T]) RefCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.refCount
}

// SetHooks wires lifecycle callbacks (normally supplied by queryclient on
// behalf of registered Observers). Replaces any previously set hooks.
func (q *Query[T]) SetHooks(h Lifecycle[T]) {
	q.mu.Lock()
	q.hooks = h
	q.mu.Unlock()
}

// AddListener registers fn to receive every subsequent state transition and
// immediately delivers the current state. It bumps the ref-count by one and
// cancels any pending disposal timer; a background freshness check is
// kicked off so a subscriber attaching to a stale or empty Query triggers a
// fetch without blocking the caller. The returned func must be called
// exactly once to unsubscribe.
func (q *Query[T]) AddListener(fn func(State[T])) (unsubscribe func()) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		fn(idleState[T]())
		return func() {}
	}

	id := q.nextListenerID
	q.nextListenerID++
	q.listeners[id] = fn
	q.refCount++
	q.cancelDisposalLocked()
	current := q.state
	rc := q.refCount
	q.mu.Unlock()

	q.cache.SetRefCount(q.key.String(), rc)
	fn(current)

	// opts.RefetchOnMount forces a background refresh on every new
	// subscription regardless of freshness; otherwise a subscriber only
	// triggers a fetch when the cached value is missing or stale, per
	// spec §6's refetchOnMount semantics.
	if q.opts.RefetchOnMount {
		go q.Refetch(context.Background()) //nolint:errcheck // fire-and-forget background revalidation
	} else {
		go q.EnsureFresh(context.Background()) //nolint:errcheck // fire-and-forget background revalidation
	}

	var once sync.Once
	return func() {
		once.Do(func() { q.removeListener(id) })
	}
}

func (q *Query[T]) removeListener(id int) {
	q.mu.Lock()
	delete(q.listeners, id)
	if q.refCount > 0 {
		q.refCount--
	}
	rc := q.refCount
	disposed := q.disposed
	if rc == 0 && !disposed {
		q.disposeTimer = time.AfterFunc(q.opts.DisposalDelay, q.disposeNow)
	}
	q.mu.Unlock()

	q.cache.SetRefCount(q.key.String(), rc)
}

func (q *Query[T]) cancelDisposalLocked() {
	if q.disposeTimer != nil {
		q.disposeTimer.Stop()
		q.disposeTimer = nil
	}
}

// Dispose forces immediate disposal regardless of ref-count, e.g. for
// QueryClient.RemoveQuery.
func (q *Query[T]) Dispose() {
	q.mu.Lock()
	q.cancelDisposalLocked()
	q.refCount = 0
	q.mu.Unlock()
	q.disposeNow()
}

func (q *Query[T]) disposeNow() {
	q.mu.Lock()
	if q.disposed || q.refCount > 0 {
		q.mu.Unlock()
		return
	}
	q.disposed = true
	token := q.token
	q.mu.Unlock()

	if token != nil {
		token.Cancel()
	}
	if q.deps != nil {
		q.deps.CascadeDispose(q.key.String())
		q.deps.Unregister(q.key.String())
	}
	if q.onDispose != nil {
		q.onDispose(q.key.String())
	}
}

// Refresher is a narrow, non-generic view of a Query used by queryclient to
// trigger a background revalidation without knowing the Query's value type.
type Refresher interface {
	RefetchAsync()
}

// RefetchAsync triggers Refetch on a background goroutine and discards the
// result; callers observe the outcome through AddListener instead.
func (q *Query[T]) RefetchAsync() {
	go q.Refetch(context.Background()) //nolint:errcheck // result observed via listeners
}

// Cancel implements querydep.Canceller: it cancels the Query's current
// in-flight fetch, if any, without disposing the Query itself. A parent
// query's disposal cascades here via querydep.Manager.CascadeDispose.
func (q *Query[T]) Cancel() {
	q.mu.Lock()
	token := q.token
	q.mu.Unlock()
	if token != nil {
		token.Cancel()
	}
}

// SetData writes data directly into the cache and the Query's state,
// bypassing fetchFn entirely — used by QueryClient.SetQueryData.
func (q *Query[T]) SetData(data T) {
	now := time.Now()
	q.mu.Lock()
	refCount := q.refCount
	q.mu.Unlock()

	q.cache.Set(q.key.String(), data, q.opts.StaleTime, q.opts.CacheTime, refCount)

	q.mu.Lock()
	q.state = successState(data, now, false, false)
	q.mu.Unlock()
	q.notify()
}

// Refetch forces a foreground fetch regardless of freshness and blocks until
// it completes.
func (q *Query[T]) Refetch(ctx context.Context) (T, error) {
	return q.trigger(ctx, true)
}

// EnsureFresh triggers a fetch only if the cached value is missing or stale.
// A stale-but-present value is revalidated in the background: EnsureFresh
// still blocks until that revalidation completes, so callers that want
// fire-and-forget semantics should invoke it in a goroutine (as AddListener
// does).
func (q *Query[T]) EnsureFresh(ctx context.Context) (T, error) {
	return q.trigger(ctx, false)
}

func (q *Query[T]) trigger(ctx context.Context, force bool) (T, error) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		var zero T
		return zero, ErrDisposed
	}
	if !q.opts.Enabled {
		q.mu.Unlock()
		var zero T
		return zero, ErrDisabled
	}
	current := q.state
	q.mu.Unlock()

	entry, hasEntry := q.cache.Peek(q.key.String())
	now := time.Now()

	if !force && hasEntry && entry.HasValue && entry.IsFresh(now) {
		return current.Data, nil
	}

	// A stale-but-present value keeps serving reads while fetch runs: the
	// transition to Loading is skipped in favor of IsFetching=true layered
	// on the existing Success state, per spec §3/§4.3's stale-while-
	// revalidate requirement.
	background := !force && current.HasValue
	return q.performFetch(ctx, background)
}

func (q *Query[T]) performFetch(ctx context.Context, background bool) (T, error) {
	q.mu.Lock()
	token := cancel.New(ctx)
	q.token = token
	if background {
		q.state.IsFetching = true
	} else {
		q.state = loadingState[T]()
	}
	q.mu.Unlock()
	q.notify()
	q.callLoading()

	scope := q.opts.CircuitBreakerScope
	if scope == "" {
		scope = q.key.String()
	}
	cb := q.breakers.GetOrCreate(scope, q.opts.CircuitBreakerOptions)

	result, err := q.cache.Deduplicate(token.Context(), q.key.String(), func(fctx context.Context) (any, error) {
		return q.attemptWithRetry(fctx, token, cb)
	})

	q.mu.Lock()
	if q.token == token {
		q.token = nil
	}
	q.mu.Unlock()

	if err != nil {
		if errors.Is(err, cancel.Cancelled) {
			// Cancellation is a non-event: no state transition, no observer
			// dispatch, per spec §4.1/§4.3/§7.
			return q.State().Data, nil
		}

		q.mu.Lock()
		if background {
			// A background revalidation failure attaches the error to the
			// existing Success state rather than replacing it: the prior
			// data stays current, per spec §4.3/§7's "attach error to
			// state, not transitioned" requirement.
			q.state.IsFetching = false
			q.state.Err = err
		} else {
			q.state = errorState[T](err)
		}
		q.mu.Unlock()
		q.notify()
		q.callError(err)
		q.callSettled()

		if background {
			return q.State().Data, err
		}
		var zero T
		return zero, err
	}

	data, _ := result.(T)
	data = q.applyTransform(data)

	now := time.Now()
	q.mu.Lock()
	refCount := q.refCount
	q.mu.Unlock()
	q.cache.Set(q.key.String(), data, q.opts.StaleTime, q.opts.CacheTime, refCount)

	q.mu.Lock()
	q.state = successState(data, now, false, false)
	q.mu.Unlock()
	q.notify()
	q.callSuccess(data)
	q.callSettled()

	return data, nil
}

// attemptWithRetry runs the circuit-breaker-gated retry loop for a single
// logical fetch. It executes inside the cache's single-flight group, so at
// most one goroutine per key runs this at a time. Grounded on
// warming/worker_pool.go's retryTask: bounded attempts, exponential backoff
// with jitter, early exit on cancellation, timeout or breaker rejection.
func (q *Query[T]) attemptWithRetry(ctx context.Context, token *cancel.Token, cb *breaker.CircuitBreaker) (any, error) {
	perf := q.opts.Performance

	delay := perf.InitialRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	backoff := perf.RetryBackoffMultiplier
	if backoff <= 0 {
		backoff = 2.0
	}

	var lastErr error
	for attempt := 0; attempt <= perf.MaxRetries; attempt++ {
		if token.IsCancelled() {
			return nil, cancel.Cancelled
		}

		allowed, _ := cb.Allow()
		if !allowed {
			return nil, &CircuitBreakerOpenError{Scope: cb.Scope()}
		}

		attemptCtx := ctx
		var cancelTimeout context.CancelFunc
		if perf.FetchTimeout > 0 {
			attemptCtx, cancelTimeout = context.WithTimeout(ctx, perf.FetchTimeout)
		}

		start := time.Now()
		data, fetchErr := q.fetchFn(attemptCtx, token)
		if cancelTimeout != nil {
			cancelTimeout()
		}
		elapsed := time.Since(start)

		if fetchErr != nil && (errors.Is(fetchErr, cancel.Cancelled) || token.IsCancelled()) {
			cb.Abort()
			return nil, cancel.Cancelled
		}

		q.recordFetchDuration(elapsed)
		if perf.EnableMetrics {
			q.cache.Metrics().RecordFetch(elapsed)
		}

		if fetchErr == nil {
			cb.Done(nil)
			return data, nil
		}

		if attemptCtx.Err() == context.DeadlineExceeded {
			cb.Done(ErrTimeout)
			return nil, ErrTimeout
		}

		cb.Done(fetchErr)
		lastErr = fetchErr

		if attempt == perf.MaxRetries {
			break
		}

		wait := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		select {
		case <-time.After(wait):
		case <-token.Context().Done():
			return nil, cancel.Cancelled
		}
		delay = time.Duration(float64(delay) * backoff)
	}
	return nil, lastErr
}

// applyTransform runs opts.Transformer, if configured, over a freshly
// fetched value. A transform failure falls back to the untransformed value
// rather than failing the whole fetch, per spec §4.3. When AutoIsolate is
// set and the value's estimated size meets IsolateThreshold, the transform
// runs on its own goroutine; the caller still waits for its result before
// returning.
func (q *Query[T]) applyTransform(data T) T {
	if !q.opts.Performance.EnableDataTransform || q.opts.Transformer == nil {
		return data
	}

	if q.opts.Performance.AutoIsolate && cache.EstimateSize(data) >= q.opts.Performance.IsolateThreshold {
		out := make(chan T, 1)
		go func() {
			if transformed, err := q.opts.Transformer(data); err == nil {
				out <- transformed
				return
			}
			out <- data
		}()
		return <-out
	}

	if transformed, err := q.opts.Transformer(data); err == nil {
		return transformed
	}
	return data
}

func (q *Query[T]) notify() {
	q.mu.Lock()
	state := q.state
	listeners := make([]func(State[T]), 0, len(q.listeners))
	for _, fn := range q.listeners {
		listeners = append(listeners, fn)
	}
	q.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func (q *Query[T]) callLoading() {
	q.mu.Lock()
	h := q.hooks.Loading
	q.mu.Unlock()
	if h != nil {
		h(q.key.String())
	}
}

func (q *Query[T]) callSuccess(data T) {
	q.mu.Lock()
	h := q.hooks.Success
	onSuccess := q.opts.OnSuccess
	q.mu.Unlock()
	if onSuccess != nil {
		onSuccess(data)
	}
	if h != nil {
		h(q.key.String(), data, false)
	}
}

func (q *Query[T]) callError(err error) {
	q.mu.Lock()
	h := q.hooks.Error
	onError := q.opts.OnError
	q.mu.Unlock()
	if onError != nil {
		onError(err)
	}
	if h != nil {
		h(q.key.String(), err)
	}
}

func (q *Query[T]) callSettled() {
	q.mu.Lock()
	h := q.hooks.Settled
	q.mu.Unlock()
	if h != nil {
		h(q.key.String())
	}
}
