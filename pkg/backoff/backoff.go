// Package backoff computes capped exponential retry delays.
package backoff

import (
	"context"
	"math"
	"time"
)

// Policy describes a retry schedule. Zero values use defaults.
type Policy struct {
	Base       time.Duration // delay of the first retry (default: 100ms)
	Max        time.Duration // cap on any single delay (default: 5s)
	MaxRetries int           // retries allowed before giving up, 0 for unlimited
}

func (p Policy) base() time.Duration {
	if p.Base > 0 {
		return p.Base
	}
	return 100 * time.Millisecond
}

func (p Policy) max() time.Duration {
	if p.Max > 0 {
		return p.Max
	}
	return 5 * time.Second
}

// Delay returns min(base * 2^(retry-1), max). Retry 1 returns base.
func (p Policy) Delay(retry int) time.Duration {
	base, limit := p.base(), p.max()
	if retry < 1 {
		return base
	}
	d := float64(base) * math.Pow(2.0, float64(retry-1))
	if d > float64(limit) || math.IsInf(d, 1) {
		return limit
	}
	return time.Duration(d)
}

// Ceiling returns the longest single delay the policy allows.
func (p Policy) Ceiling() time.Duration { return p.max() }

// Exhausted reports whether retry exceeds the budget.
func (p Policy) Exhausted(retry int) bool {
	return p.MaxRetries > 0 && retry > p.MaxRetries
}

// Wait sleeps for the delay of a retry, returning early with the context
// error if ctx is cancelled.
func (p Policy) Wait(ctx context.Context, retry int) error {
	return Sleep(ctx, p.Delay(retry))
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
