package runloop

import (
	"context"
	"sync"
	"time"
)

// RunContext carries the cancellation state of one run loop session. The
// signal handler requests a stop; the loop honours it at the next cycle
// boundary. Cancelling the parent context aborts in-flight calls instead.
type RunContext struct {
	RunID string

	ctx    context.Context
	stop   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	reason string
}

// NewRunContext creates a session context.
func NewRunContext(ctx context.Context, runID string) *RunContext {
	return &RunContext{RunID: runID, ctx: ctx, stop: make(chan struct{})}
}

// Context returns the context passed to blocking calls.
func (rc *RunContext) Context() context.Context {
	return rc.ctx
}

// RequestStop asks the loop to finish. Later calls keep the first reason.
func (rc *RunContext) RequestStop(reason string) {
	rc.once.Do(func() {
		rc.mu.Lock()
		rc.reason = reason
		rc.mu.Unlock()
		close(rc.stop)
	})
}

// StopRequested reports whether a stop was requested or the context ended.
func (rc *RunContext) StopRequested() bool {
	select {
	case <-rc.stop:
		return true
	case <-rc.ctx.Done():
		return true
	default:
		return false
	}
}

// Reason returns the reason given to RequestStop.
func (rc *RunContext) Reason() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.reason == "" && rc.ctx.Err() != nil {
		return rc.ctx.Err().Error()
	}
	return rc.reason
}

// Sleep pauses for d. It returns false early when a stop is requested.
func (rc *RunContext) Sleep(d time.Duration) bool {
	if d <= 0 {
		return !rc.StopRequested()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-rc.stop:
		return false
	case <-rc.ctx.Done():
		return false
	}
}
