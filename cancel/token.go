// Package cancel implements the one-shot cooperative cancellation signal
// used by the fetch pipeline and by parent-to-child query cascades.
package cancel

import (
	"context"
	"errors"
	"sync"
)

// Cancelled is the sentinel error fetch functions should return (or wrap)
// when they observe a Token's cancellation. The engine treats it as a
// non-event: no state transition, no metrics, no observer dispatch.
var Cancelled = errors.New("cancel: cancelled")

// Token is a one-shot cooperative cancellation flag. The zero value is not
// usable; construct one with New.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	callbacks []func()

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Token bound to ctx. Cancelling ctx from the outside also
// cancels the Token, and cancelling the Token cancels its derived Context.
func New(ctx context.Context) *Token {
	c, cancelFn := context.WithCancel(ctx)
	t := &Token{ctx: c, cancel: cancelFn}
	go func() {
		<-c.Done()
		t.Cancel()
	}()
	return t
}

// Context returns a context.Context that is Done exactly when the token is
// cancelled, so ordinary context-aware code can consume a Token directly.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Cancel transitions the token to cancelled. Idempotent: subsequent calls
// are no-ops. Registered callbacks run synchronously, in registration order.
func (t *Token) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	callbacks := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	t.cancel()

	for _, cb := range callbacks {
		cb()
	}
}

// IsCancelled reports whether Cancel has been called.
func (t *Token) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// OnCancel registers a zero-arg callback invoked exactly once: synchronously
// now if the token is already cancelled, or at the moment Cancel() runs.
func (t *Token) OnCancel(cb func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		cb()
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}
