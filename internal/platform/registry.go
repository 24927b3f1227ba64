package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"autosubmit/internal/apperrors"
	"autosubmit/pkg/circuitbreaker"
)

// Registry holds the gateways of an experiment, each guarded by its own
// circuit breaker so a broken platform does not stall the others.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	breakers *circuitbreaker.Registry
}

// NewRegistry creates an empty registry. Breaker transitions are logged
// per platform.
func NewRegistry(cfg circuitbreaker.Config) *Registry {
	logger := slog.With("component", "platform")
	return &Registry{
		gateways: make(map[string]Gateway),
		breakers: circuitbreaker.NewRegistry(cfg, func(name string, from, to circuitbreaker.State) {
			level := slog.LevelInfo
			if to == circuitbreaker.Open {
				level = slog.LevelWarn
			}
			logger.Log(context.Background(), level, "Platform circuit changed", "platform", name, "from", from.String(), "to", to.String())
		}),
	}
}

// Register adds or replaces a gateway.
func (r *Registry) Register(gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gw.Name()] = gw
}

// Get returns the gateway of a platform.
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[name]
	if !ok {
		return nil, apperrors.Config("platform", "unknown platform "+name)
	}
	return gw, nil
}

// Names returns the registered platform names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Do runs fn against a platform through its breaker. Transient failures
// count toward opening the breaker; an open breaker fails fast with a
// connection error.
func (r *Registry) Do(ctx context.Context, name string, fn func(context.Context, Gateway) error) error {
	gw, err := r.Get(name)
	if err != nil {
		return err
	}
	b := r.breakers.Get(name)
	if !b.Allow() {
		return apperrors.Connection(name, circuitbreaker.ErrOpen)
	}
	err = fn(ctx, gw)
	switch {
	case err == nil:
		b.RecordSuccess()
	case apperrors.IsTransient(err) && !errors.Is(err, context.Canceled):
		b.RecordFailure()
	default:
		b.Abandon()
	}
	return err
}

// Reconnect asks a platform to re-establish its connection and resets its
// breaker on success.
func (r *Registry) Reconnect(ctx context.Context, name string) error {
	gw, err := r.Get(name)
	if err != nil {
		return err
	}
	if err := gw.Reconnect(ctx); err != nil {
		r.breakers.Get(name).RecordFailure()
		return apperrors.Connection(name, err)
	}
	r.breakers.Get(name).Reset()
	return nil
}

// BreakerState returns the breaker state of a platform.
func (r *Registry) BreakerState(name string) circuitbreaker.State {
	return r.breakers.Get(name).State()
}

// Ready checks connectivity of every platform and reports the first
// unreachable one.
func (r *Registry) Ready(ctx context.Context) error {
	for _, name := range r.Names() {
		gw, err := r.Get(name)
		if err != nil {
			return err
		}
		if err := gw.TestConnectivity(ctx); err != nil {
			return fmt.Errorf("platform %s: %w", name, err)
		}
	}
	return nil
}
