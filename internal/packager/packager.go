// Package packager groups ready jobs into submission packages according to
// the wrapper policy of their sections and the capacity of the platform.
package packager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rs/xid"

	"autosubmit/internal/config"
	"autosubmit/internal/job"
	"autosubmit/internal/platform"
	"autosubmit/internal/status"
)

// verticalOverhead pads the summed wallclock of sequential wrappers.
const verticalOverhead = 1.15

// CapacitySource is the part of a gateway the packager needs.
type CapacitySource interface {
	Name() string
	Capacity(ctx context.Context) (platform.Capacity, error)
}

// Packager builds packages for one experiment.
type Packager struct {
	exp    *config.Experiment
	newID  func() string
	logger *slog.Logger
}

// New creates a packager for an experiment definition.
func New(exp *config.Experiment) *Packager {
	return &Packager{
		exp:    exp,
		newID:  func() string { return xid.New().String() },
		logger: slog.With("component", "packager", "expid", exp.ExpID),
	}
}

// SetExperiment swaps in a reloaded definition.
func (p *Packager) SetExperiment(exp *config.Experiment) {
	p.exp = exp
}

// Build selects the READY jobs bound to the platform whose hold flag
// matches, groups them and marks every placed job packed. It never fails:
// a capacity query error yields no packages until the next cycle.
func (p *Packager) Build(ctx context.Context, list *job.List, src CapacitySource, hold bool) []*platform.Package {
	name := src.Name()
	logger := p.logger.With("platform", name)

	capacity, err := src.Capacity(ctx)
	if err != nil {
		logger.Warn("Capacity query failed, skipping packaging", "error", err)
		return nil
	}
	slots := p.slots(list, name, capacity)
	if slots.total == 0 || slots.waiting == 0 {
		logger.Debug("Platform is at capacity")
		return nil
	}

	candidates := p.candidates(list, name, hold)
	if len(candidates) == 0 {
		return nil
	}

	var packages []*platform.Package
	claimed := make(map[int]bool)
	for _, pkg := range p.group(list, name, candidates, hold) {
		if !slots.fits(pkg) && !p.trim(list, pkg, slots.total) {
			break
		}
		slots.take(pkg)
		pkg.Hold = hold
		for _, j := range pkg.Jobs {
			claimed[j.Index()] = true
		}
		packages = append(packages, pkg)
		if slots.total == 0 || slots.waiting == 0 {
			break
		}
	}
	return p.finish(packages, claimed, list, logger)
}

func (p *Packager) finish(packages []*platform.Package, claimed map[int]bool, list *job.List, logger *slog.Logger) []*platform.Package {
	for idx := range claimed {
		list.At(idx).Packed = true
	}
	sort.SliceStable(packages, func(i, k int) bool {
		return less(packages[i].Jobs[0], packages[k].Jobs[0])
	})
	if len(packages) > 0 {
		logger.Info("Packages built", "packages", len(packages), "jobs", len(claimed))
	}
	return packages
}

// less orders jobs by chunk, then dependency level, then declaration
// priority, so earlier parts of the workflow are submitted first.
func less(a, b *job.Job) bool {
	if a.Chunk != b.Chunk {
		return a.Chunk < b.Chunk
	}
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Index() < b.Index()
}

func (p *Packager) candidates(list *job.List, name string, hold bool) []*job.Job {
	var out []*job.Job
	for _, j := range list.Ready() {
		if list.PlatformOf(j) == name && !j.Packed && j.Hold == hold {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return less(out[i], out[k]) })
	return out
}

// slotBudget tracks what the platform still accepts this cycle. Negative
// values mean unlimited.
type slotBudget struct {
	total   int // jobs
	waiting int // remote queue entries
}

func (s *slotBudget) fits(pkg *platform.Package) bool {
	return s.total < 0 || len(pkg.Jobs) <= s.total
}

func (s *slotBudget) take(pkg *platform.Package) {
	if s.total > 0 {
		s.total -= len(pkg.Jobs)
	}
	if s.waiting > 0 {
		s.waiting--
	}
}

// slots combines the platform-reported limits with the configured ones.
// Jobs already in queue count against both.
func (p *Packager) slots(list *job.List, name string, capacity platform.Capacity) *slotBudget {
	total, waiting := capacity.TotalJobs, capacity.MaxWaitingJobs
	if cfg, ok := p.exp.Platforms[name]; ok {
		total = tighter(total, cfg.TotalJobs)
		waiting = tighter(waiting, cfg.MaxWaitingJobs)
	}

	inQueue := list.InQueueByPlatform()[name]
	entries := make(map[string]struct{})
	for _, j := range inQueue {
		if j.Status == status.Running {
			continue
		}
		key := j.Name
		if j.Package != "" {
			key = j.Package
		}
		entries[key] = struct{}{}
	}

	b := &slotBudget{total: -1, waiting: -1}
	if total > 0 {
		b.total = max(total-len(inQueue), 0)
	}
	if waiting > 0 {
		b.waiting = max(waiting-len(entries), 0)
	}
	return b
}

// tighter returns the smaller positive limit; 0 means unlimited.
func tighter(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}

// trim shortens a wrapper to n jobs if it stays at or above its minimum
// size. Members whose unfinished parents are cut are dropped too.
func (p *Packager) trim(list *job.List, pkg *platform.Package, n int) bool {
	if !pkg.Wrapped() || n < 2 {
		return false
	}
	_, w := p.exp.WrapperFor(pkg.Jobs[0].Section)
	if w == nil || n < w.MinWrapped {
		return false
	}
	kept := keep(list, pkg.Jobs, n)
	if len(kept) < max(w.MinWrapped, 2) {
		return false
	}
	p.finalize(pkg, kept)
	return true
}

// single wraps one job in its own package.
func (p *Packager) single(platformName string, j *job.Job) *platform.Package {
	return &platform.Package{
		Name:       j.Name,
		Platform:   platformName,
		Wrapper:    config.WrapperNone,
		Jobs:       []*job.Job{j},
		Processors: j.Processors,
		Wallclock:  j.Wallclock,
	}
}

// finalize sets the members of a wrapped package and derives its name.
func (p *Packager) finalize(pkg *platform.Package, jobs []*job.Job) {
	pkg.Jobs = jobs
	pkg.Processors, pkg.Wallclock = resources(pkg)
	pkg.Name = fmt.Sprintf("%s_ASThread_%s_%d_%d", p.exp.ExpID, p.newID(), pkg.Processors, len(jobs))
}

// resources aggregates processors and wallclock over the execution layout.
// Chains take their largest processor count and the sum of their
// wallclocks; parallel chains add processors and wait for the longest.
// Sequential packages are padded for the time spent between members.
func resources(pkg *platform.Package) (int, time.Duration) {
	procs, wall := 0, time.Duration(0)
	for _, stage := range pkg.Stages() {
		stageProcs, stageWall := 0, time.Duration(0)
		for _, chain := range stage {
			chainProcs, chainWall := 0, time.Duration(0)
			for _, j := range chain {
				chainProcs = max(chainProcs, j.Processors)
				chainWall += j.Wallclock
			}
			stageProcs += chainProcs
			stageWall = max(stageWall, chainWall)
		}
		procs = max(procs, stageProcs)
		wall += stageWall
	}
	if pkg.Sequential() {
		wall = time.Duration(float64(wall) * verticalOverhead).Round(time.Second)
	}
	return procs, wall
}
