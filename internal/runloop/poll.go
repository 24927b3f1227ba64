package runloop

import (
	"context"

	"autosubmit/internal/job"
	"autosubmit/internal/platform"
	"autosubmit/internal/status"
)

// poll refreshes the in-queue jobs of one platform. Wrapped jobs are polled
// once per package through the shared remote id.
func (l *Loop) poll(ctx context.Context, name string, jobs []*job.Job) error {
	return l.opts.Platforms.Do(ctx, name, func(ctx context.Context, gw platform.Gateway) error {
		seen := make(map[string]bool)
		for _, j := range jobs {
			if j.ID == 0 {
				continue
			}
			if w, ok := l.list.WrapperOf(j); ok {
				if seen[w.Name] {
					continue
				}
				seen[w.Name] = true
				if err := l.pollWrapper(ctx, gw, w); err != nil {
					return err
				}
				continue
			}
			if err := l.pollJob(ctx, gw, j); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Loop) pollJob(ctx context.Context, gw platform.Gateway, j *job.Job) error {
	reported, err := gw.Poll(ctx, j.ID)
	if err != nil {
		return err
	}
	s, ok, err := l.settle(ctx, gw, j, reported)
	if err != nil || !ok {
		return err
	}
	l.apply(gw, j, s)
	return nil
}

// pollWrapper fans the package status out to its members. While the
// package runs, members that left their completion marker are COMPLETED,
// the first unfinished member of every chain in the current stage is
// RUNNING and everything after it is QUEUING.
func (l *Loop) pollWrapper(ctx context.Context, gw platform.Gateway, w *job.WrapperJob) error {
	reported, err := gw.Poll(ctx, w.RemoteID)
	if err != nil {
		return err
	}
	logger := l.logger.With("package", w.Name, "remoteId", w.RemoteID)
	logger.Debug("Wrapper polled", "reported", reported.String(), "derived", w.Status().String())

	switch reported {
	case status.Completed, status.Failed, status.Unknown:
		for _, m := range w.Members {
			if !m.Status.IsInQueue() {
				continue
			}
			s, ok, err := l.settle(ctx, gw, m, reported)
			if err != nil {
				return err
			}
			if ok {
				l.apply(gw, m, s)
			}
		}

	case status.Running:
		pkg := &platform.Package{Name: w.Name, Wrapper: w.Wrapper, Jobs: w.Members}
		blocked := false
		for _, stage := range pkg.Stages() {
			stageDone := true
			for _, chain := range stage {
				waiting := blocked
				for _, m := range chain {
					if !m.Status.IsInQueue() {
						continue
					}
					done, err := gw.CompletionMarker(ctx, m.Name)
					if err != nil {
						return err
					}
					if done {
						l.apply(gw, m, status.Completed)
						continue
					}
					stageDone = false
					if waiting {
						l.apply(gw, m, status.Queuing)
						continue
					}
					l.apply(gw, m, status.Running)
					waiting = true
				}
			}
			if !stageDone {
				blocked = true
			}
		}

	default:
		for _, m := range w.Members {
			if m.Status.IsInQueue() {
				l.apply(gw, m, reported)
			}
		}
	}
	return nil
}

// settle turns a reported status into the one to apply. A COMPLETED report
// needs the completion marker, otherwise the job FAILED. An UNKNOWN report
// is tolerated a few times in a row before the job counts as lost. ok is
// false when nothing should be applied yet.
func (l *Loop) settle(ctx context.Context, gw platform.Gateway, j *job.Job, reported status.Status) (s status.Status, ok bool, err error) {
	switch reported {
	case status.Completed, status.Failed, status.Unknown:
	default:
		delete(l.unknown, j.Name)
		return reported, true, nil
	}

	done, err := gw.CompletionMarker(ctx, j.Name)
	if err != nil {
		return status.Unknown, false, err
	}
	switch {
	case done:
		return status.Completed, true, nil
	case reported == status.Completed:
		l.logger.Warn("Job reported COMPLETED without completion marker", "job", j.Name, "remoteId", j.ID)
		return status.Failed, true, nil
	case reported == status.Failed:
		return status.Failed, true, nil
	}

	l.unknown[j.Name]++
	if n := l.unknown[j.Name]; n < l.opts.UnknownLimit {
		l.logger.Debug("Remote status unknown", "job", j.Name, "remoteId", j.ID, "consecutive", n)
		return status.Unknown, false, nil
	}
	delete(l.unknown, j.Name)
	l.logger.Warn("Remote state lost, marking job failed", "job", j.Name, "remoteId", j.ID)
	return status.Failed, true, nil
}

// apply moves a job to s and schedules a log retrieval once it finished.
func (l *Loop) apply(gw platform.Gateway, j *job.Job, s status.Status) {
	if !l.list.Apply(j, s, l.now()) {
		return
	}
	if s.IsTerminal() {
		l.retrieve(gw, j.Name)
	}
}

func (l *Loop) retrieve(gw platform.Gateway, name string) {
	if l.opts.Retrieval == nil {
		return
	}
	l.opts.Retrieval.Schedule(name, func(ctx context.Context) error {
		return gw.FetchLogs(ctx, name)
	})
}
