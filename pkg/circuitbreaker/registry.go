package circuitbreaker

import (
	"sort"
	"sync"
)

// Listener is told about state changes of a keyed breaker.
type Listener func(key string, from, to State)

// Registry hands out one breaker per key, created on first use from a
// shared config.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	listener Listener
}

// NewRegistry creates a registry. listener may be nil; when set it is
// called for every breaker in addition to cfg.OnChange.
func NewRegistry(cfg Config, listener ...Listener) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
	if len(listener) > 0 {
		r.listener = listener[0]
	}
	return r
}

// Get returns the breaker of key, creating it if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = New(r.configFor(key))
	r.breakers[key] = b
	return b
}

func (r *Registry) configFor(key string) Config {
	cfg := r.config
	if r.listener == nil {
		return cfg
	}
	base, listener := cfg.OnChange, r.listener
	cfg.OnChange = func(from, to State) {
		if base != nil {
			base(from, to)
		}
		listener(key, from, to)
	}
	return cfg
}

// States returns the state of every breaker by key.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.State()
	}
	return out
}

// Open returns the sorted keys whose breaker currently rejects calls.
func (r *Registry) Open() []string {
	var keys []string
	for k, s := range r.States() {
		if s == Open {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
