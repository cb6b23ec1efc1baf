package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arcanecache/querycache/breaker"
	"github.com/arcanecache/querycache/cache"
	"github.com/arcanecache/querycache/cancel"
	"github.com/arcanecache/querycache/querydep"
	"github.com/arcanecache/querycache/querykey"
)

func newHarness() (*cache.QueryCache, *breaker.Registry, *querydep.Manager) {
	c := cache.New(cache.Config{MaxEntries: 1000, Policy: cache.LRUPolicy{}})
	b := breaker.NewRegistry(breaker.DefaultOptions())
	d := querydep.NewManager()
	return c, b, d
}

func durP(d time.Duration) *time.Duration { return &d }

func TestQuery_FreshCacheHitServesWithoutFetching(t *testing.T) {
	c, b, d := newHarness()
	defer c.Shutdown()

	key := querykey.New("widget", 1)
	c.Set(key.String(), 42, durP(time.Minute), durP(time.Minute), 0)

	var fetches atomic.Int32
	fetchFn := FetchFunc[int](func(ctx context.Context, tok *cancel.Token) (int, error) {
		fetches.Add(1)
		return 0, nil
	})

	q := New(key, fetchFn, DefaultOptions[int](), c, b, d, nil)

	var states []State[int]
	var mu sync.Mutex
	unsub := q.AddListener(func(s State[int]) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	defer unsub()

	time.Sleep(50 * time.Millisecond)

	if fetches.Load() != 0 {
		t.Fatalf("expected no fetch for a fresh cache hit, got %d", fetches.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[0].Data != 42 {
		t.Fatalf("expected initial delivery of cached value 42, got %+v", states)
	}
}

func TestQuery_StaleEntryRevalidatesInBackground(t *testing.T) {
	c, b, d := newHarness()
	defer c.Shutdown()

	key := querykey.New("widget", 2)
	c.Set(key.String(), 1, durP(time.Nanosecond), durP(time.Minute), 0)
	time.Sleep(time.Millisecond) // ensure staleness

	var fetches atomic.Int32
	fetchFn := FetchFunc[int](func(ctx context.Context, tok *cancel.Token) (int, error) {
		fetches.Add(1)
		return 2, nil
	})

	q := New(key, fetchFn, DefaultOptions[int](), c, b, d, nil)

	var sawStaleFetching, sawFreshUpdate bool
	var mu sync.Mutex
	unsub := q.AddListener(func(s State[int]) {
		mu.Lock()
		defer mu.Unlock()
		if s.Status == Success && s.IsFetching && s.Data == 1 {
			sawStaleFetching = true
		}
		if s.Status == Success && !s.IsStale && s.Data == 2 {
			sawFreshUpdate = true
		}
	})
	defer unsub()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := sawFreshUpdate
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !sawStaleFetching {
		t.Fatalf("expected to observe stale data served while revalidation ran in background")
	}
	if !sawFreshUpdate {
		t.Fatalf("expected revalidation to complete and deliver the fresh value")
	}
	if fetches.Load() != 1 {
		t.Fatalf("expected exactly one revalidation fetch, got %d", fetches.Load())
	}
}

func TestQuery_FiftyConcurrentListenersShareOneFetch(t *testing.T) {
	c, b, d := newHarness()
	defer c.Shutdown()

	key := querykey.New("widget", 3)
	var fetches atomic.Int32
	fetchFn := FetchFunc[int](func(ctx context.Context, tok *cancel.Token) (int, error) {
		fetches.Add(1)
		time.Sleep(30 * time.Millisecond)
		return 99, nil
	})

	q := New(key, fetchFn, DefaultOptions[int](), c, b, d, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := q.AddListener(func(State[int]) {})
			time.Sleep(10 * time.Millisecond)
			unsub()
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	if fetches.Load() != 1 {
		t.Fatalf("expected exactly one real fetch for 50 concurrent listeners, got %d", fetches.Load())
	}
}

func TestQuery_CircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	c, b, d := newHarness()
	defer c.Shutdown()

	key := querykey.New("widget", 4)
	upstreamErr := errors.New("upstream down")
	fetchFn := FetchFunc[int](func(ctx context.Context, tok *cancel.Token) (int, error) {
		return 0, upstreamErr
	})

	opts := DefaultOptions[int]()
	opts.Performance.MaxRetries = 0
	opts.CircuitBreakerOptions = &breaker.Options{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute}

	q := New(key, fetchFn, opts, c, b, d, nil)

	_, err1 := q.Refetch(context.Background())
	_, err2 := q.Refetch(context.Background())
	if err1 == nil || err2 == nil {
		t.Fatalf("expected the two failing fetches to return errors")
	}

	_, err3 := q.Refetch(context.Background())
	var cbErr *CircuitBreakerOpenError
	if !errors.As(err3, &cbErr) {
		t.Fatalf("expected CircuitBreakerOpenError after threshold failures, got %v", err3)
	}
}

func TestQuery_CancellationIsSilentlyAbsorbed(t *testing.T) {
	c, b, d := newHarness()
	defer c.Shutdown()

	key := querykey.New("widget", 5)
	started := make(chan struct{})
	fetchFn := FetchFunc[int](func(ctx context.Context, tok *cancel.Token) (int, error) {
		close(started)
		<-tok.Context().Done()
		return 0, cancel.Cancelled
	})

	q := New(key, fetchFn, DefaultOptions[int](), c, b, d, nil)

	var errCalls atomic.Int32
	q.SetHooks(Lifecycle[int]{Error: func(string, error) { errCalls.Add(1) }})

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Refetch(ctx)
		close(done)
	}()

	<-started
	stop()
	<-done

	if errCalls.Load() != 0 {
		t.Fatalf("expected cancellation to never surface as an Error state, got %d error callbacks", errCalls.Load())
	}
}

func TestQuery_DisposalCascadesToRegisteredChildren(t *testing.T) {
	c, b, d := newHarness()
	defer c.Shutdown()

	parentKey := querykey.New("parent")
	childKey := querykey.New("child")

	noop := FetchFunc[int](func(ctx context.Context, tok *cancel.Token) (int, error) { return 0, nil })

	opts := DefaultOptions[int]()
	opts.DisposalDelay = time.Millisecond

	parent := New(parentKey, noop, opts, c, b, d, nil)
	child := New(childKey, noop, opts, c, b, d, nil)
	d.AddChild(parentKey.String(), childKey.String())

	var childCancelled atomic.Bool
	childToken := cancel.New(context.Background())
	childToken.OnCancel(func() { childCancelled.Store(true) })
	child.token = childToken

	parent.Dispose()

	if !childCancelled.Load() {
		t.Fatalf("expected disposing the parent to cancel the child's in-flight fetch")
	}
}

func TestQuery_RefCountDrivesDisposalTiming(t *testing.T) {
	c, b, d := newHarness()
	defer c.Shutdown()

	key := querykey.New("widget", 6)
	noop := FetchFunc[int](func(ctx context.Context, tok *cancel.Token) (int, error) { return 1, nil })

	var disposed atomic.Bool
	opts := DefaultOptions[int]()
	opts.DisposalDelay = 20 * time.Millisecond

	q := New(key, noop, opts, c, b, d, func(string) { disposed.Store(true) })

	unsub := q.AddListener(func(State[int]) {})
	if q.RefCount() != 1 {
		t.Fatalf("expected ref count 1 after AddListener")
	}

	unsub()
	if q.RefCount() != 0 {
		t.Fatalf("expected ref count 0 after unsubscribe")
	}

	time.Sleep(10 * time.Millisecond)
	if disposed.Load() {
		t.Fatalf("expected disposal to wait out the quiescence window")
	}

	time.Sleep(30 * time.Millisecond)
	if !disposed.Load() {
		t.Fatalf("expected disposal once the quiescence window elapsed")
	}
}

func TestQuery_BackgroundRevalidationFailurePreservesPriorData(t *testing.T) {
	c, b, d := newHarness()
	defer c.Shutdown()

	key := querykey.New("widget", 7)
	c.Set(key.String(), 11, durP(time.Nanosecond), durP(time.Minute), 0)
	time.Sleep(time.Millisecond) // ensure staleness

	upstreamErr := errors.New("upstream down")
	fetchFn := FetchFunc[int](func(ctx context.Context, tok *cancel.Token) (int, error) {
		return 0, upstreamErr
	})

	opts := DefaultOptions[int]()
	opts.Performance.MaxRetries = 0

	q := New(key, fetchFn, opts, c, b, d, nil)

	var mu sync.Mutex
	var sawSuccessWithErr bool
	var errCalls int
	unsub := q.AddListener(func(s State[int]) {
		mu.Lock()
		defer mu.Unlock()
		if s.Status == Success && s.Data == 11 && s.Err != nil && !s.IsFetching {
			sawSuccessWithErr = true
		}
	})
	defer unsub()
	q.SetHooks(Lifecycle[int]{Error: func(string, error) {
		mu.Lock()
		errCalls++
		mu.Unlock()
	}})

	// Background revalidation (non-forced, stale-but-present) must attach
	// the error to the existing Success state rather than replacing it.
	_, err := q.EnsureFresh(context.Background())
	if err == nil {
		t.Fatalf("expected EnsureFresh to surface the upstream error")
	}

	mu.Lock()
	defer mu.Unlock()
	if !sawSuccessWithErr {
		t.Fatalf("expected a Success state with the prior data (11) and the error attached, never an Error-status transition")
	}
	if errCalls != 1 {
		t.Fatalf("expected the Error hook to still fire once, got %d", errCalls)
	}
	if q.State().Status != Success || q.State().Data != 11 {
		t.Fatalf("expected final state to remain Success with data 11, got %+v", q.State())
	}
}

func TestQuery_ForegroundRefetchFailureTransitionsToErrorStatus(t *testing.T) {
	c, b, d := newHarness()
	defer c.Shutdown()

	key := querykey.New("widget", 8)
	upstreamErr := errors.New("upstream down")
	fetchFn := FetchFunc[int](func(ctx context.Context, tok *cancel.Token) (int, error) {
		return 0, upstreamErr
	})

	opts := DefaultOptions[int]()
	opts.Performance.MaxRetries = 0

	q := New(key, fetchFn, opts, c, b, d, nil)
	_, err := q.Refetch(context.Background())
	if err == nil {
		t.Fatalf("expected Refetch to surface the upstream error")
	}
	if q.State().Status != Error {
		t.Fatalf("expected a forced foreground failure to transition to Error status, got %+v", q.State())
	}
}

func TestQuery_RefetchOnMountFalseSkipsFetchOnFreshSubscription(t *testing.T) {
	c, b, d := newHarness()
	defer c.Shutdown()

	key := querykey.New("widget", 9)
	c.Set(key.String(), 5, durP(time.Minute), durP(time.Minute), 0)

	var fetches atomic.Int32
	fetchFn := FetchFunc[int](func(ctx context.Context, tok *cancel.Token) (int, error) {
		fetches.Add(1)
		return 6, nil
	})

	opts := DefaultOptions[int]()
	opts.RefetchOnMount = false

	q := New(key, fetchFn, opts, c, b, d, nil)
	unsub := q.AddListener(func(State[int]) {})
	defer unsub()

	time.Sleep(50 * time.Millisecond)

	if fetches.Load() != 0 {
		t.Fatalf("expected RefetchOnMount=false to skip any fetch for a fresh cached subscription, got %d fetches", fetches.Load())
	}
}

func TestQuery_RefetchOnMountTrueForcesFetchEvenWhenFresh(t *testing.T) {
	c, b, d := newHarness()
	defer c.Shutdown()

	key := querykey.New("widget", 10)
	c.Set(key.String(), 5, durP(time.Minute), durP(time.Minute), 0)

	var fetches atomic.Int32
	fetchFn := FetchFunc[int](func(ctx context.Context, tok *cancel.Token) (int, error) {
		fetches.Add(1)
		return 6, nil
	})

	opts := DefaultOptions[int]()
	opts.RefetchOnMount = true

	q := New(key, fetchFn, opts, c, b, d, nil)
	unsub := q.AddListener(func(State[int]) {})
	defer unsub()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && fetches.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	if fetches.Load() == 0 {
		t.Fatalf("expected RefetchOnMount=true to force a background fetch even for a fresh subscription")
	}
}
