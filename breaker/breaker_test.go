package breaker

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(opts Options) *CircuitBreaker {
	return newCircuitBreaker("test", opts)
}

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := newTestBreaker(Options{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		allowed, err := b.Allow()
		if !allowed || err != nil {
			t.Fatalf("attempt %d: expected allowed, got %v/%v", i, allowed, err)
		}
		b.Done(errors.New("boom"))
	}

	if b.State() != Open {
		t.Fatalf("expected Open after %d consecutive failures, got %v", 3, b.State())
	}

	allowed, err := b.Allow()
	if allowed || !IsOpenError(err) {
		t.Fatalf("expected rejection with ErrOpen, got %v/%v", allowed, err)
	}
}

func TestCircuitBreaker_HalfOpenAdmitsOneProbeAtATime(t *testing.T) {
	b := newTestBreaker(Options{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 10 * time.Millisecond})

	allowed, _ := b.Allow()
	if !allowed {
		t.Fatalf("expected first call allowed in Closed state")
	}
	b.Done(errors.New("boom"))
	if b.State() != Open {
		t.Fatalf("expected Open after single failure with threshold 1")
	}

	time.Sleep(20 * time.Millisecond)

	allowed1, err1 := b.Allow()
	if !allowed1 || err1 != nil {
		t.Fatalf("expected the probe to be admitted, got %v/%v", allowed1, err1)
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HalfOpen after resetAt elapses, got %v", b.State())
	}

	allowed2, err2 := b.Allow()
	if allowed2 || !IsOpenError(err2) {
		t.Fatalf("expected a concurrent probe to be rejected while one is in flight, got %v/%v", allowed2, err2)
	}

	b.Done(nil)
	allowed3, err3 := b.Allow()
	if !allowed3 || err3 != nil {
		t.Fatalf("expected a second probe admitted after first succeeded, got %v/%v", allowed3, err3)
	}
	b.Done(nil)

	if b.State() != Closed {
		t.Fatalf("expected Closed after SuccessThreshold probes succeed, got %v", b.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopensImmediately(t *testing.T) {
	b := newTestBreaker(Options{FailureThreshold: 1, SuccessThreshold: 3, ResetTimeout: 10 * time.Millisecond})

	b.Allow()
	b.Done(errors.New("boom"))
	time.Sleep(20 * time.Millisecond)

	allowed, _ := b.Allow()
	if !allowed {
		t.Fatalf("expected probe admitted")
	}
	b.Done(errors.New("boom again"))

	if b.State() != Open {
		t.Fatalf("expected immediate reopen on HalfOpen failure, got %v", b.State())
	}
}

func TestCircuitBreaker_IgnoreErrorCountsNeither(t *testing.T) {
	ignoreMe := errors.New("not a real failure")
	b := newTestBreaker(Options{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
		IgnoreError:      func(err error) bool { return errors.Is(err, ignoreMe) },
	})

	for i := 0; i < 5; i++ {
		b.Allow()
		b.Done(ignoreMe)
	}

	if b.State() != Closed {
		t.Fatalf("expected ignored errors to never open the breaker, got %v", b.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCountInClosed(t *testing.T) {
	b := newTestBreaker(Options{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute})

	b.Allow()
	b.Done(errors.New("boom"))
	b.Allow()
	b.Done(nil) // success resets the streak

	b.Allow()
	b.Done(errors.New("boom"))

	if b.State() != Closed {
		t.Fatalf("expected single post-reset failure to keep breaker Closed, got %v", b.State())
	}
}

func TestRegistry_GetOrCreateReturnsStableInstance(t *testing.T) {
	r := NewRegistry(DefaultOptions())

	b1 := r.GetOrCreate("scope-a", nil)
	b2 := r.GetOrCreate("scope-a", nil)
	if b1 != b2 {
		t.Fatalf("expected the same breaker instance for repeated scope lookups")
	}

	if _, ok := r.Get("scope-b"); ok {
		t.Fatalf("expected no breaker registered yet for scope-b")
	}
}

func TestRegistry_OnOpenFiresWithOpeningScope(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute})

	opened := make(chan string, 2)
	r.OnOpen(func(scope string) { opened <- scope })

	b := r.GetOrCreate("scope-a", nil)
	b.Allow()
	b.Done(errors.New("boom"))

	select {
	case scope := <-opened:
		if scope != "scope-a" {
			t.Fatalf("expected scope-a, got %s", scope)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for onOpen callback")
	}
}
