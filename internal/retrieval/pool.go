// Package retrieval runs background log retrievals with bounded
// concurrency and an explicit list of outstanding handles.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Task fetches the logs of one job.
type Task func(ctx context.Context) error

// Handle tracks one scheduled retrieval.
type Handle struct {
	Job       string
	Scheduled time.Time

	done chan struct{}
	err  error
}

// Done is closed when the retrieval finished or was cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task error once Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Pool schedules retrievals. At most one retrieval per job is outstanding.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	wg      sync.WaitGroup

	// grace bounds how long Wait lingers for cancelled retrievals.
	grace time.Duration

	// OnDone, if set, is called after every retrieval with its duration.
	OnDone func(job string, d time.Duration, err error)
}

// New creates a pool running up to workers retrievals at once.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
		logger:  slog.With("component", "retrieval"),
		handles: make(map[string]*Handle),
		grace:   time.Second,
	}
}

// Schedule starts fn for jobName unless a retrieval for it is already
// outstanding, in which case the existing handle is returned.
func (p *Pool) Schedule(jobName string, fn Task) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[jobName]; ok {
		return h
	}
	h := &Handle{Job: jobName, Scheduled: time.Now(), done: make(chan struct{})}
	p.handles[jobName] = h
	p.wg.Add(1)
	go p.run(h, fn)
	return h
}

func (p *Pool) run(h *Handle, fn Task) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.handles, h.Job)
		p.mu.Unlock()
		close(h.done)
	}()

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		h.err = err
		return
	}
	defer p.sem.Release(1)

	start := time.Now()
	h.err = fn(p.ctx)
	if h.err != nil {
		p.logger.Warn("Log retrieval failed", "job", h.Job, "error", h.err)
	}
	if p.OnDone != nil {
		p.OnDone(h.Job, time.Since(start), h.err)
	}
}

// Pending returns the sorted names of jobs with an outstanding retrieval.
func (p *Pool) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.handles))
	for name := range p.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every outstanding retrieval finished. When ctx ends
// first the remaining retrievals are cancelled and an error naming them is
// returned. Retrievals that ignore the cancellation are left running once
// the grace period is over.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	pending := p.Pending()
	p.cancel()
	grace := time.NewTimer(p.grace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		if left := p.Pending(); len(left) > 0 {
			p.logger.Warn("Log retrievals ignored cancellation", "jobs", left)
		}
	}
	return fmt.Errorf("abandoned %d log retrievals %v: %w", len(pending), pending, ctx.Err())
}

// Close cancels outstanding retrievals without waiting.
func (p *Pool) Close() {
	p.cancel()
}
