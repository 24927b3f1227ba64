// Package history keeps an append-only trail of job status changes outside
// the job graph. Sinks never fail or stall the run loop: writes happen in
// the background and errors are logged and dropped.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"autosubmit/internal/job"
	"autosubmit/internal/status"
)

// Entry is one recorded status change.
type Entry struct {
	ExpID     string        `json:"expid"`
	RunID     string        `json:"run_id"`
	Job       string        `json:"job"`
	Section   string        `json:"section"`
	Prev      status.Status `json:"prev"`
	Status    status.Status `json:"status"`
	FailCount int           `json:"fail_count"`
	RemoteID  int           `json:"remote_id"`
	Platform  string        `json:"platform"`
	Package   string        `json:"package,omitempty"`
	Time      time.Time     `json:"time"`
}

// Sink stores entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	Close(ctx context.Context) error
}

// RunEvent marks the start or the end of a run loop session.
type RunEvent struct {
	ExpID    string
	RunID    string
	Finished bool
	Outcome  string // set on finished runs
	Time     time.Time
}

// RunSink is implemented by sinks that also record run boundaries.
type RunSink interface {
	RecordRun(ctx context.Context, e RunEvent) error
}

// Multi fans an entry out to every sink. One failing sink does not stop the
// others.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordRun forwards to the sinks that record run boundaries.
func (m Multi) RecordRun(ctx context.Context, e RunEvent) error {
	var errs []error
	for _, s := range m {
		if rs, ok := s.(RunSink); ok {
			if err := rs.RecordRun(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultBuffer is the recorder queue size used when none is given.
const DefaultBuffer = 1024

// Stats counts what a recorder did with the entries it was given.
type Stats struct {
	Recorded int64
	Failed   int64
	Dropped  int64 // queue full or recorder closed
}

// Recorder turns job list changes into entries and writes them from its
// own goroutine. Observe only enqueues, so a slow or unreachable sink costs
// the caller nothing; when the queue is full the entry is dropped.
type Recorder struct {
	sink    Sink
	runID   string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan record
	done   chan struct{}

	recorded atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

type record struct {
	entry *Entry
	run   *RunEvent
}

// NewRecorder starts a recorder writing to sink. runID tags every entry
// of this run loop session. A buffer of 0 or less uses DefaultBuffer.
func NewRecorder(sink Sink, runID string, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	r := &Recorder{
		sink:    sink,
		runID:   runID,
		timeout: 5 * time.Second,
		logger:  slog.With("component", "history", "run_id", runID),
		queue:   make(chan record, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Observe queues one change of l. It never blocks and never fails. It
// reads l, so it must run on the goroutine that owns the list.
func (r *Recorder) Observe(l *job.List, c job.Change) {
	e := Entry{
		ExpID:  l.ExpID(),
		RunID:  r.runID,
		Job:    c.Job,
		Prev:   c.Prev,
		Status: c.New,
		Time:   c.Time,
	}
	if j, ok := l.Get(c.Job); ok {
		e.Section = j.Section
		e.FailCount = j.FailCount
		e.RemoteID = j.ID
		e.Platform = l.PlatformOf(j)
		e.Package = j.Package
	}
	r.enqueue(record{entry: &e})
}

// RunStarted queues the start of the session for sinks that record runs.
func (r *Recorder) RunStarted(expID string) {
	r.enqueue(record{run: &RunEvent{ExpID: expID, RunID: r.runID, Time: time.Now().UTC()}})
}

// RunFinished queues the end of the session.
func (r *Recorder) RunFinished(expID, outcome string) {
	r.enqueue(record{run: &RunEvent{ExpID: expID, RunID: r.runID, Finished: true, Outcome: outcome, Time: time.Now().UTC()}})
}

func (r *Recorder) enqueue(rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- rec:
	default:
		n := r.dropped.Add(1)
		if rec.entry != nil {
			r.logger.Warn("History queue full, entry dropped", "job", rec.entry.Job, "status", rec.entry.Status.String(), "dropped", n)
		} else {
			r.logger.Warn("History queue full, run event dropped", "dropped", n)
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		r.write(rec)
	}
}

func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch {
	case rec.entry != nil:
		err = r.sink.Record(ctx, *rec.entry)
	case rec.run != nil:
		rs, ok := r.sink.(RunSink)
		if !ok {
			return
		}
		err = rs.RecordRun(ctx, *rec.run)
	}
	if err != nil {
		r.failed.Add(1)
		if rec.entry != nil {
			r.logger.Warn("History record failed", "job", rec.entry.Job, "status", rec.entry.Status.String(), "error", err)
		} else {
			r.logger.Warn("History run event failed", "finished", rec.run.Finished, "error", err)
		}
		return
	}
	r.recorded.Add(1)
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Recorded: r.recorded.Load(),
		Failed:   r.failed.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// Close stops intake, writes what is queued until ctx ends and closes the
// sink. Entries still queued when ctx ends are abandoned.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	var drainErr error
	select {
	case <-r.done:
	case <-ctx.Done():
		drainErr = fmt.Errorf("abandoned %d history entries: %w", len(r.queue), ctx.Err())
	}
	return errors.Join(drainErr, r.sink.Close(ctx))
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) error { return nil }
func (Discard) Close(context.Context) error        { return nil }
