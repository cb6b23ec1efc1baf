package breaker

import "sync"

// Registry maps a scope string (e.g. a query key, or an explicit
// circuitBreakerScope option) to a stable CircuitBreaker. Owned by exactly
// one QueryClient; no breaker is ever silently destroyed.
//
// Grounded on pkg/utils/hash.go's HashRing: a mutex-guarded map mutated only
// through constructor-style accessors, generalized from consistent-hashing
// node bookkeeping to circuit-breaker-per-scope bookkeeping.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	onOpen    []func(scope string)
	defaults  Options
}

// NewRegistry creates a Registry whose breakers use defaultOpts unless
// GetOrCreate is called with an explicit Options value.
func NewRegistry(defaultOpts Options) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaultOpts,
	}
}

// GetOrCreate returns the breaker for scope, creating it with opts (or the
// registry's defaults, if opts is the zero value) on first use.
func (r *Registry) GetOrCreate(scope string, opts *Options) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[scope]; ok {
		return b
	}

	use := r.defaults
	if opts != nil {
		use = *opts
	}
	b := newCircuitBreaker(scope, use)
	b.onOpen = r.onOpen
	r.breakers[scope] = b
	return b
}

// Get returns the breaker for scope if it has already been created.
func (r *Registry) Get(scope string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[scope]
	return b, ok
}

// OnOpen registers a callback invoked (in registration order) every time
// any breaker in this registry transitions Closed/HalfOpen -> Open,
// including repeated re-openings of the same scope.
func (r *Registry) OnOpen(cb func(scope string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = append(r.onOpen, cb)
	for _, b := range r.breakers {
		b.onOpen = r.onOpen
	}
}

// Scopes returns every scope with a breaker currently registered.
func (r *Registry) Scopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	scopes := make([]string, 0, len(r.breakers))
	for s := range r.breakers {
		scopes = append(scopes, s)
	}
	return scopes
}
