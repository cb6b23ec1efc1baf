package query

import (
	"context"
	"time"

	"github.com/arcanecache/querycache/breaker"
	"github.com/arcanecache/querycache/cancel"
)

// FetchFunc is the user-supplied data source for a Query. Implementations
// should poll token at suspension points and return (or wrap) cancel.Cancelled
// when they observe cancellation.
type FetchFunc[T any] func(ctx context.Context, token *cancel.Token) (T, error)

// Legacy adapts a fetch function with no cancellation-token parameter, per
// spec §6's "a legacy form without the token parameter is accepted and
// invoked without cancellation support."
func Legacy[T any](fn func(ctx context.Context) (T, error)) FetchFunc[T] {
	return func(ctx context.Context, _ *cancel.Token) (T, error) {
		return fn(ctx)
	}
}

// PerformanceOptions configures the retry/timeout/transform pipeline a real
// fetch runs through.
type PerformanceOptions struct {
	EnableMetrics bool

	MaxRetries             int
	InitialRetryDelay      time.Duration
	RetryBackoffMultiplier float64

	// FetchTimeout is the per-attempt deadline. Zero disables the timeout.
	FetchTimeout time.Duration

	// EnableDataTransform gates whether Options[T].Transformer runs at all.
	EnableDataTransform bool
	// AutoIsolate, when true, runs the transform on a background worker once
	// the fetched value's estimated size meets IsolateThreshold.
	AutoIsolate      bool
	IsolateThreshold int
}

// DefaultPerformanceOptions mirrors warming/worker_pool.go's retry shape:
// bounded retries with exponential backoff.
func DefaultPerformanceOptions() PerformanceOptions {
	return PerformanceOptions{
		EnableMetrics:          true,
		MaxRetries:             3,
		InitialRetryDelay:      100 * time.Millisecond,
		RetryBackoffMultiplier: 2.0,
		FetchTimeout:           0,
		EnableDataTransform:    false,
		AutoIsolate:            false,
		IsolateThreshold:       64 * 1024,
	}
}

// Options[T] configures a single Query's behavior.
type Options[T any] struct {
	Enabled bool

	StaleTime *time.Duration
	CacheTime *time.Duration

	RefetchOnMount bool

	// CircuitBreakerScope defaults to the query's key-string when empty.
	CircuitBreakerScope   string
	CircuitBreakerOptions *breaker.Options

	Performance PerformanceOptions

	// Transformer, when non-nil and Performance.EnableDataTransform is true,
	// post-processes a successfully fetched value. A transform failure falls
	// back silently to the untransformed value, per spec §4.3.
	Transformer func(T) (T, error)

	OnSuccess func(T)
	OnError   func(error)

	Meta map[string]any

	// DisposalDelay is the quiescence window between ref-count reaching zero
	// and the Query being removed. Default 5s per spec §4.3.
	DisposalDelay time.Duration
}

// DefaultOptions returns an enabled Query configuration with the spec's
// suggested defaults.
func DefaultOptions[T any]() Options[T] {
	return Options[T]{
		Enabled:       true,
		Performance:   DefaultPerformanceOptions(),
		DisposalDelay: 5 * time.Second,
	}
}

func (o Options[T]) staleTime(defaultStale time.Duration) time.Duration {
	if o.StaleTime != nil {
		return *o.StaleTime
	}
	return defaultStale
}

func (o Options[T]) cacheTime(defaultCache time.Duration) time.Duration {
	if o.CacheTime != nil {
		return *o.CacheTime
	}
	return defaultCache
}
