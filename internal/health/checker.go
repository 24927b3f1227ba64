// Package health answers the liveness and readiness probes of the runner.
package health

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"autosubmit/pkg/circuitbreaker"
)

// ReadinessChecker is implemented by the platform registry: it fails when
// any platform back end cannot be reached.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// BreakerSource exposes per-platform circuit breaker state.
type BreakerSource interface {
	Names() []string
	BreakerState(name string) circuitbreaker.State
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc evaluates one dependency.
type CheckFunc func(ctx context.Context) CheckResult

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type namedCheck struct {
	name string
	// critical checks turn the probe unhealthy; the others only degrade it.
	critical bool
	fn       CheckFunc
}

// Checker runs the readiness checks and caches their outcome briefly.
type Checker struct {
	checks  []namedCheck
	timeout time.Duration
	ttl     time.Duration

	mu           sync.Mutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker with a critical "platforms" check and, when
// breakers is set, a non-critical "breakers" check.
func NewChecker(platforms ReadinessChecker, breakers BreakerSource) *Checker {
	c := &Checker{timeout: 5 * time.Second, ttl: time.Second}
	c.AddCheck("platforms", true, platformsCheck(platforms))
	if breakers != nil {
		c.AddCheck("breakers", false, breakersCheck(breakers))
	}
	return c
}

// AddCheck registers another readiness check. Call it before serving.
func (c *Checker) AddCheck(name string, critical bool, fn CheckFunc) {
	c.checks = append(c.checks, namedCheck{name: name, critical: critical, fn: fn})
}

// Liveness only reports that the process answers.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness runs every check concurrently. A failing critical check makes
// the response unhealthy; any other failure only degrades it, since the run
// loop keeps serving the remaining platforms.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shuttingDown {
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "run loop is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < c.ttl {
		return c.cachedReady
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]CheckResult, len(c.checks))
	var g errgroup.Group
	for i, chk := range c.checks {
		g.Go(func() error {
			results[i] = chk.fn(ctx)
			return nil
		})
	}
	_ = g.Wait()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.checks))}
	for i, chk := range c.checks {
		res := results[i]
		response.Checks[chk.name] = res
		switch {
		case res.Status == StatusHealthy:
		case chk.critical:
			response.Status = StatusUnhealthy
		case response.Status == StatusHealthy:
			response.Status = StatusDegraded
		}
	}

	c.cachedReady = response
	c.lastCheck = time.Now()
	return response
}

func platformsCheck(platforms ReadinessChecker) CheckFunc {
	return func(ctx context.Context) CheckResult {
		if platforms == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "no platforms configured"}
		}
		if err := platforms.Ready(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

func breakersCheck(src BreakerSource) CheckFunc {
	return func(context.Context) CheckResult {
		var open []string
		for _, name := range src.Names() {
			if src.BreakerState(name) != circuitbreaker.Closed {
				open = append(open, name)
			}
		}
		if len(open) == 0 {
			return CheckResult{Status: StatusHealthy}
		}
		sort.Strings(open)
		return CheckResult{
			Status:  StatusDegraded,
			Message: "circuit not closed for " + strings.Join(open, ", "),
		}
	}
}

// StaleCheck degrades readiness when the time returned by last is older
// than maxAge. A zero time means nothing was recorded yet.
func StaleCheck(what string, maxAge time.Duration, last func() time.Time) CheckFunc {
	return func(context.Context) CheckResult {
		t := last()
		if t.IsZero() {
			return CheckResult{Status: StatusDegraded, Message: "no " + what + " yet"}
		}
		if age := time.Since(t); age > maxAge {
			return CheckResult{Status: StatusDegraded, Message: what + " is " + age.Truncate(time.Second).String() + " old"}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsServing returns true unless the service is unhealthy.
func (r *Response) IsServing() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown makes every later readiness probe fail.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
