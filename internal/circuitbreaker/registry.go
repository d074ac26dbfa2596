package circuitbreaker

import "sync"

// Registry owns one Breaker per provider, created lazily on first access.
// CircuitBreaker state is shared process-wide and mutated only under each
// provider's own exclusion, never across providers.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	onChange func(provider string, from, to State)
	opts     []Option
}

func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// OnStateChange registers a callback fired whenever any provider's breaker
// transitions state. Set before first use of Get to guarantee every
// breaker is wired.
func (r *Registry) OnStateChange(fn func(provider string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Get returns the breaker for provider, creating one in the CLOSED state
// if this is the first call for it.
func (r *Registry) Get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	opts := append([]Option(nil), r.opts...)
	if r.onChange != nil {
		cb := r.onChange
		opts = append(opts, WithOnStateChange(func(from, to State) {
			cb(provider, from, to)
		}))
	}
	b := New(opts...)
	r.breakers[provider] = b
	return b
}

// Allow is shorthand for Get(provider).Allow().
func (r *Registry) Allow(provider string) bool { return r.Get(provider).Allow() }

// Providers lists every provider with a breaker instantiated so far.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.breakers))
	for p := range r.breakers {
		out = append(out, p)
	}
	return out
}
