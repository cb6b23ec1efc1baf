package query

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when a real fetch exceeds its configured timeout.
// Per spec §7, Timeout counts as a circuit-breaker failure unless ignored.
var ErrTimeout = errors.New("query: fetch timed out")

// ErrDisposed is returned by fetch-triggering operations on a disposed
// Query.
var ErrDisposed = errors.New("query: disposed")

// ErrDisabled is returned (silently swallowed internally; exposed here for
// callers who want to distinguish it) when options.Enabled is false.
var ErrDisabled = errors.New("query: disabled")

// CircuitBreakerOpenError wraps the breaker scope that rejected a fetch. It
// is never retried, and is surfaced to subscribers as an Error state for
// foreground fetches, per spec §4.3/§7.
type CircuitBreakerOpenError struct {
	Scope string
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("query: circuit breaker open for scope %q", e.Scope)
}

// TypeMismatchError is raised by QueryClient.GetQuery when an existing Query
// registered under key holds a different value type than requested.
type TypeMismatchError struct {
	Key  string
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("query: type mismatch for key %q: want %s, got %s", e.Key, e.Want, e.Got)
}
