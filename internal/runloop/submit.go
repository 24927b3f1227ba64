package runloop

import (
	"context"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/job"
	"autosubmit/internal/platform"
	"autosubmit/internal/status"
)

// submit packs the READY jobs of one platform and hands the packages over,
// unheld first. The first failing submission stops the platform for this
// cycle: its members and every package not yet sent are unpacked so the
// next cycle can pack them again.
func (l *Loop) submit(ctx context.Context, name string) error {
	gw, err := l.opts.Platforms.Get(name)
	if err != nil {
		return err
	}

	for _, hold := range []bool{false, true} {
		pkgs := l.packager.Build(ctx, l.list, gw, hold)
		for i, pkg := range pkgs {
			var sub platform.Submission
			err := l.opts.Platforms.Do(ctx, name, func(ctx context.Context, gw platform.Gateway) error {
				var err error
				sub, err = gw.Submit(ctx, pkg)
				return err
			})
			if l.opts.Metrics != nil {
				l.opts.Metrics.RecordSubmission(ctx, name, len(pkg.Jobs), err != nil)
			}
			if err != nil {
				l.submissionFailed(pkg, pkgs[i+1:], err)
				return err
			}
			if err := l.submitted(pkg, sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// submitted records the remote id of an accepted package.
func (l *Loop) submitted(pkg *platform.Package, sub platform.Submission) error {
	if pkg.Wrapped() {
		err := l.list.AddPackage(job.PackageRecord{
			Name:     pkg.Name,
			Platform: pkg.Platform,
			Wrapper:  pkg.Wrapper,
			RemoteID: sub.RemoteID,
			Members:  pkg.JobNames(),
		})
		if err != nil {
			return err
		}
	}

	target := status.Submitted
	if pkg.Hold {
		target = status.Held
	}
	for _, j := range pkg.Jobs {
		j.ID = sub.RemoteID
		j.SubmitTime = sub.Accepted
		l.list.Apply(j, target, l.now())
	}
	l.changed = true
	l.logger.Info("Package submitted",
		"package", pkg.Name,
		"platform", pkg.Platform,
		"wrapper", pkg.Wrapper,
		"remoteId", sub.RemoteID,
		"jobs", len(pkg.Jobs),
		"hold", pkg.Hold,
	)
	return nil
}

// submissionFailed clears the packed flag so the jobs stay submittable and
// counts the failure against the members of the rejected package.
func (l *Loop) submissionFailed(pkg *platform.Package, pending []*platform.Package, err error) {
	for _, j := range pkg.Jobs {
		j.Packed = false
		j.FailCount++
	}
	unsent := 0
	for _, p := range pending {
		for _, j := range p.Jobs {
			j.Packed = false
			unsent++
		}
	}
	l.changed = true
	l.logger.Warn("Package rejected",
		"package", pkg.Name,
		"platform", pkg.Platform,
		"jobs", pkg.JobNames(),
		"unsent", unsent,
		"kind", apperrors.KindOf(err).String(),
		"error", err,
	)
}
