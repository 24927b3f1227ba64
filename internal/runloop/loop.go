// Package runloop drives an experiment: it polls platforms, reconciles the
// reported state into the job graph, packs and submits ready jobs and
// persists the graph, until every job reached a terminal status.
package runloop

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/config"
	"autosubmit/internal/job"
	"autosubmit/internal/packager"
	"autosubmit/internal/platform"
	"autosubmit/internal/retrieval"
	"autosubmit/internal/status"
	"autosubmit/internal/store"
	"autosubmit/pkg/backoff"
)

// defaultUnknownLimit is how many consecutive UNKNOWN reports a job
// survives before it is considered lost.
const defaultUnknownLimit = 3

// Observer receives every status change of the current list. The list is
// replaced when the loop reloads from a snapshot.
type Observer func(l *job.List, c job.Change)

// MetricsRecorder is an optional interface for recording run loop metrics.
type MetricsRecorder interface {
	RecordCycle(ctx context.Context, durationSeconds float64, failed bool)
	RecordSubmission(ctx context.Context, platform string, jobs int, failed bool)
	RecordStatusChange(ctx context.Context, to status.Status)
	RecordRetry(ctx context.Context, retry int)
	RecordJobsActive(ctx context.Context, n int64)
}

// Options wires a loop.
type Options struct {
	Runner     *config.RunnerConfig
	Experiment *config.Experiment
	// Reload, if set, returns the current experiment definition. It is
	// called at the start of every cycle.
	Reload    func() (*config.Experiment, error)
	Store     store.Store
	Platforms *platform.Registry
	Retrieval *retrieval.Pool
	Observers []Observer
	Metrics   MetricsRecorder

	// UnknownLimit overrides defaultUnknownLimit.
	UnknownLimit int
}

// Loop is the reconciler. Only the goroutine calling Run touches the graph.
type Loop struct {
	opts     Options
	exp      *config.Experiment
	packager *packager.Packager
	retry    backoff.Policy
	logger   *slog.Logger

	list    *job.List
	changed bool
	failing map[string]bool // platforms that failed in the last cycle
	unknown map[string]int  // consecutive UNKNOWN reports per job
	view    atomic.Pointer[job.Snapshot]
	now     func() time.Time

	lastCycle atomic.Int64 // unix nanos of the last clean cycle
}

// New validates the options and creates a loop. Call Load or Run next.
func New(opts Options) (*Loop, error) {
	switch {
	case opts.Runner == nil:
		return nil, apperrors.Config("runloop", "runner configuration is required")
	case opts.Experiment == nil:
		return nil, apperrors.Config("runloop", "experiment definition is required")
	case opts.Store == nil:
		return nil, apperrors.Config("runloop", "store is required")
	case opts.Platforms == nil:
		return nil, apperrors.Config("runloop", "platform registry is required")
	}
	if opts.UnknownLimit <= 0 {
		opts.UnknownLimit = defaultUnknownLimit
	}
	return &Loop{
		opts:     opts,
		exp:      opts.Experiment,
		packager: packager.New(opts.Experiment),
		retry: backoff.Policy{
			Base:       opts.Runner.RetryBaseDelay,
			Max:        opts.Runner.RetryMaxDelay,
			MaxRetries: opts.Runner.MaxRetries,
		},
		logger:  slog.With("component", "runloop", "expid", opts.Experiment.ExpID),
		failing: make(map[string]bool),
		unknown: make(map[string]int),
		now:     time.Now,
	}, nil
}

// LastCycle returns when the last cycle without errors ended, or the zero
// time. Safe for concurrent use.
func (l *Loop) LastCycle() time.Time {
	n := l.lastCycle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// List returns the graph owned by the loop. It must not be used while Run
// is executing; use View for concurrent readers.
func (l *Loop) List() *job.List {
	return l.list
}

// View returns the last persisted snapshot. Safe for concurrent use.
func (l *Loop) View() *job.Snapshot {
	return l.view.Load()
}

// Rerun resets the jobs matched by spec and their descendants to WAITING
// and persists the result. It loads the graph first when needed.
func (l *Loop) Rerun(ctx context.Context, spec string) (int, error) {
	if l.list == nil {
		if err := l.Load(ctx); err != nil {
			return 0, err
		}
	}
	n, err := l.list.Rerun(spec)
	if err != nil {
		return 0, err
	}
	l.list.PrunePackages()
	return n, l.persist(ctx)
}

// Load generates the graph from the definition and overlays the persisted
// snapshot, if any.
func (l *Loop) Load(ctx context.Context) error {
	list, err := job.Generate(l.exp)
	if err != nil {
		return err
	}

	snap, err := l.opts.Store.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		l.logger.Info("No persisted graph, starting fresh", "jobs", list.Len())
		snap = nil
	case err != nil:
		return err
	default:
		if err := list.Restore(snap); err != nil {
			return err
		}
		l.logger.Info("Persisted graph restored", "jobs", list.Len(), "sequence", snap.Sequence)
	}

	for _, name := range list.Platforms() {
		if _, err := l.opts.Platforms.Get(name); err != nil {
			return err
		}
	}

	for _, o := range l.opts.Observers {
		list.Observe(func(c job.Change) { o(list, c) })
	}
	list.Observe(l.observe)

	l.list = list
	if snap == nil {
		snap = list.Snapshot()
	}
	l.view.Store(snap)
	return nil
}

func (l *Loop) observe(c job.Change) {
	l.changed = true
	if c.New != status.Unknown {
		delete(l.unknown, c.Job)
	}
	if l.opts.Metrics != nil {
		l.opts.Metrics.RecordStatusChange(context.Background(), c.New)
	}
	l.logger.Debug("Status changed", "job", c.Job, "from", c.Prev.String(), "to", c.New.String())
}

// Run drives the experiment until no job is active, a stop is requested or
// a non-transient error occurs. Transient failures are retried with backoff
// until the retry budget is spent. Before returning, outstanding log
// retrievals are drained and the graph is persisted.
func (l *Loop) Run(rc *RunContext) error {
	ctx := rc.Context()
	if l.list == nil {
		if err := l.Load(ctx); err != nil {
			return err
		}
	}
	l.logger.Info("Run loop started", "run_id", rc.RunID, "jobs", l.list.Len(), "platforms", l.list.Platforms())

	first := true
	retries := 0
	for {
		if rc.StopRequested() {
			l.logger.Info("Stop requested, leaving run loop", "reason", rc.Reason())
			return l.finish(ctx, nil)
		}

		err := l.Cycle(ctx, first)
		switch {
		case err == nil:
			retries = 0
			first = false
		case ctx.Err() != nil:
			return l.finish(ctx, nil)
		case !apperrors.IsTransient(err):
			l.logger.Error("Run loop aborted", "error", err, "kind", apperrors.KindOf(err).String())
			return l.finish(ctx, err)
		default:
			retries++
			if l.retry.Exhausted(retries) {
				return l.finish(ctx, apperrors.RetryBudgetExhausted(l.retry.MaxRetries, err))
			}
			if l.opts.Metrics != nil {
				l.opts.Metrics.RecordRetry(ctx, retries)
			}
			l.logger.Warn("Cycle failed, recovering", "retry", retries, "budget", l.retry.MaxRetries, "error", err)
			if err := l.recover(rc, retries); err != nil {
				return l.finish(ctx, err)
			}
			continue
		}

		active := len(l.list.Active())
		if l.opts.Metrics != nil {
			l.opts.Metrics.RecordJobsActive(ctx, int64(active))
		}
		if active == 0 {
			l.logger.Info("Every job finished", "counts", countsAttr(l.list))
			return l.finish(ctx, nil)
		}
		if l.stalled() {
			l.logger.Warn("No job can progress, leaving run loop", "blocked", active, "counts", countsAttr(l.list))
			return l.finish(ctx, nil)
		}
		rc.Sleep(l.exp.SafetySleepDuration())
	}
}

// Cycle runs one reconciliation pass. Transient platform failures do not
// stop the pass for other platforms; they are joined into the returned
// error.
func (l *Loop) Cycle(ctx context.Context, first bool) (err error) {
	start := l.now()
	defer func() {
		if l.opts.Metrics != nil {
			l.opts.Metrics.RecordCycle(ctx, time.Since(start).Seconds(), err != nil)
		}
		if err == nil {
			l.lastCycle.Store(l.now().UnixNano())
		}
	}()

	l.reload()

	if l.changed {
		if err := l.persist(ctx); err != nil {
			return err
		}
	}

	clear(l.failing)
	var errs []error

	queued := l.list.InQueueByPlatform()
	for _, name := range sortedKeys(queued) {
		if err := l.poll(ctx, name, queued[name]); err != nil {
			if !apperrors.IsTransient(err) {
				return err
			}
			l.logger.Warn("Poll failed", "platform", name, "error", err)
			l.failing[name] = true
			errs = append(errs, err)
		}
	}
	l.list.PrunePackages()

	if l.list.UpdateList(first) {
		if err := l.persist(ctx); err != nil {
			return err
		}
	}

	for _, name := range l.readyPlatforms() {
		if l.failing[name] {
			continue
		}
		if err := l.submit(ctx, name); err != nil {
			if !apperrors.IsTransient(err) {
				return err
			}
			l.logger.Warn("Submission failed", "platform", name, "error", err)
			l.failing[name] = true
			errs = append(errs, err)
		}
	}

	if l.changed {
		if err := l.persist(ctx); err != nil {
			return err
		}
	}

	if len(errs) > 0 {
		return apperrors.TransientError("runloop.cycle", errors.Join(errs...))
	}
	return nil
}

// reload picks up edits of the mutable knobs. An invalid edit keeps the
// previous definition.
func (l *Loop) reload() {
	if l.opts.Reload == nil {
		return
	}
	exp, err := l.opts.Reload()
	if err != nil {
		l.logger.Warn("Experiment reload failed, keeping previous definition", "error", err)
		return
	}
	l.exp = exp
	l.packager.SetExperiment(exp)
	l.list.ApplyConfig(exp)
}

func (l *Loop) persist(ctx context.Context) error {
	snap := l.list.Snapshot()
	if err := l.opts.Store.Save(ctx, snap); err != nil {
		return err
	}
	l.changed = false
	l.view.Store(snap)
	return nil
}

// recover waits out the backoff, reconnects the failing platforms and
// reloads the graph from the last persisted snapshot.
func (l *Loop) recover(rc *RunContext, retry int) error {
	ctx := rc.Context()
	if !rc.Sleep(l.retry.Delay(retry)) {
		return nil
	}

	for _, name := range sortedKeys(l.failing) {
		if err := l.opts.Platforms.Reconnect(ctx, name); err != nil {
			l.logger.Warn("Reconnect failed", "platform", name, "retry", retry, "error", err)
			continue
		}
		l.logger.Info("Platform reconnected", "platform", name, "retry", retry)
	}

	if err := l.Load(ctx); err != nil {
		if apperrors.IsTransient(err) {
			l.logger.Warn("Reload from snapshot failed, keeping in-memory graph", "error", err)
			return nil
		}
		return err
	}
	l.changed = false
	return nil
}

// finish drains background retrievals and persists the final state.
func (l *Loop) finish(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)

	if l.opts.Retrieval != nil {
		wctx, cancel := context.WithTimeout(ctx, l.opts.Runner.RetrievalTimeout)
		if err := l.opts.Retrieval.Wait(wctx); err != nil {
			l.logger.Warn("Log retrievals did not finish", "error", err)
		}
		cancel()
	}

	if l.list != nil {
		if err := l.persist(ctx); err != nil {
			l.logger.Error("Final persist failed", "error", err)
			if cause == nil {
				cause = err
			}
		}
	}
	l.logger.Info("Run loop stopped", "counts", countsAttr(l.list))
	return cause
}

// stalled reports whether nothing is queued or ready, so the remaining
// active jobs wait on parents that will never satisfy them.
func (l *Loop) stalled() bool {
	return len(l.list.InQueue()) == 0 && len(l.list.Ready()) == 0
}

// readyPlatforms returns the sorted platforms with READY jobs.
func (l *Loop) readyPlatforms() []string {
	seen := make(map[string]bool)
	for _, j := range l.list.Ready() {
		seen[l.list.PlatformOf(j)] = true
	}
	return sortedKeys(seen)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func countsAttr(l *job.List) slog.Value {
	if l == nil {
		return slog.StringValue("")
	}
	counts := l.Counts()
	attrs := make([]slog.Attr, 0, len(counts))
	for _, s := range status.All() {
		if n := counts[s]; n > 0 {
			attrs = append(attrs, slog.Int(s.String(), n))
		}
	}
	return slog.GroupValue(attrs...)
}
