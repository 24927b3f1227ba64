package job

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/config"
	"autosubmit/internal/status"
)

// Observer receives every detected status change.
type Observer func(Change)

// PackageRecord is the persisted composition of one wrapper submission.
type PackageRecord struct {
	Name     string   `json:"package_name"`
	Platform string   `json:"platform"`
	Wrapper  string   `json:"wrapper"`
	RemoteID int      `json:"remote_id"`
	Members  []string `json:"members"`
}

// List owns every Job of an experiment. It is not safe for concurrent use;
// the run loop is its only writer.
type List struct {
	expID           string
	defaultPlatform string

	jobs     []*Job
	byName   map[string]int
	order    []int // topological order, nil when stale
	packages map[string]*PackageRecord

	observers []Observer
	logger    *slog.Logger
}

// New creates an empty list for an experiment.
func New(expID, defaultPlatform string) *List {
	return &List{
		expID:           expID,
		defaultPlatform: defaultPlatform,
		byName:          make(map[string]int),
		packages:        make(map[string]*PackageRecord),
		logger:          slog.With("component", "joblist", "expid", expID),
	}
}

// ExpID returns the experiment id.
func (l *List) ExpID() string {
	return l.expID
}

// Add appends a job to the arena and returns its index. Adding a name twice
// returns the existing index.
func (l *List) Add(j *Job) int {
	if idx, ok := l.byName[j.Name]; ok {
		return idx
	}
	j.index = len(l.jobs)
	l.jobs = append(l.jobs, j)
	l.byName[j.Name] = j.index
	l.order = nil
	return j.index
}

// Link adds the edge parent -> child. Duplicate edges are ignored.
func (l *List) Link(parent, child int, condition string) {
	if condition == "" {
		condition = config.ConditionCompleted
	}
	c := l.jobs[child]
	for _, e := range c.parents {
		if e.Parent == parent {
			return
		}
	}
	c.parents = append(c.parents, Edge{Parent: parent, Condition: condition})
	l.jobs[parent].children = append(l.jobs[parent].children, child)
	l.order = nil
}

// Sort verifies the graph is acyclic and assigns dependency levels.
func (l *List) Sort() error {
	indegree := make([]int, len(l.jobs))
	for _, j := range l.jobs {
		indegree[j.index] = len(j.parents)
		j.Level = 0
	}

	queue := make([]int, 0, len(l.jobs))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(l.jobs))
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		order = append(order, idx)
		for _, child := range l.jobs[idx].children {
			if lvl := l.jobs[idx].Level + 1; lvl > l.jobs[child].Level {
				l.jobs[child].Level = lvl
			}
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) != len(l.jobs) {
		for i, d := range indegree {
			if d > 0 {
				return apperrors.Config("sections", "dependency cycle through "+l.jobs[i].Name)
			}
		}
	}
	l.order = order
	return nil
}

// topo returns the jobs in dependency order.
func (l *List) topo() []int {
	if l.order == nil {
		if err := l.Sort(); err != nil {
			// Lists built by Generate are verified; fall back to arena order.
			order := make([]int, len(l.jobs))
			for i := range order {
				order[i] = i
			}
			return order
		}
	}
	return l.order
}

// Len returns the number of jobs.
func (l *List) Len() int {
	return len(l.jobs)
}

// Jobs returns every job in arena order.
func (l *List) Jobs() []*Job {
	return l.jobs
}

// At returns the job at an arena index.
func (l *List) At(idx int) *Job {
	return l.jobs[idx]
}

// Get looks a job up by name.
func (l *List) Get(name string) (*Job, bool) {
	idx, ok := l.byName[name]
	if !ok {
		return nil, false
	}
	return l.jobs[idx], true
}

// PlatformOf resolves the platform of a job, falling back to the default.
func (l *List) PlatformOf(j *Job) string {
	if j.Platform != "" {
		return j.Platform
	}
	return l.defaultPlatform
}

// Observe registers an observer for status changes.
func (l *List) Observe(o Observer) {
	l.observers = append(l.observers, o)
}

func (l *List) emit(c Change) {
	for _, o := range l.observers {
		o(c)
	}
}

// Apply moves a job to a reported status and notifies observers.
func (l *List) Apply(j *Job, reported status.Status, now time.Time) bool {
	change, ok := j.ApplyRemoteStatus(reported, now)
	if !ok {
		return false
	}
	if !reported.IsInQueue() {
		j.Packed = false
	}
	l.emit(change)
	return true
}

// transition sets a status outside of remote reporting, such as readiness
// propagation or an operator override.
func (l *List) transition(j *Job, s status.Status, now time.Time) bool {
	if j.Status == s {
		return false
	}
	change := Change{Job: j.Name, Prev: j.Status, New: s, Time: now}
	j.PrevStatus = j.Status
	j.Status = s
	if !s.IsInQueue() {
		j.Packed = false
	}
	l.emit(change)
	return true
}

// SetStatus is the operator override. Every name must exist.
func (l *List) SetStatus(names []string, s status.Status) (int, error) {
	targets := make([]*Job, 0, len(names))
	for _, name := range names {
		j, ok := l.Get(name)
		if !ok {
			return 0, apperrors.Config("set_status", "unknown job "+name)
		}
		targets = append(targets, j)
	}

	now := time.Now()
	changed := 0
	for _, j := range targets {
		if !l.transition(j, s, now) {
			continue
		}
		changed++
		switch s {
		case status.Waiting, status.Ready:
			l.detach(j)
			j.ID = 0
			j.FailCount = 0
		case status.Failed, status.Completed, status.Skipped:
			j.FinishTime = now
		}
	}
	l.logger.Info("Status overridden", "status", s.String(), "jobs", changed)
	return changed, nil
}

// ApplyConfig refreshes the knobs of every job that the experiment
// definition may change between cycles.
func (l *List) ApplyConfig(exp *config.Experiment) {
	l.defaultPlatform = exp.DefaultPlatform
	for _, j := range l.jobs {
		j.Retrials = exp.SectionRetrials(j.Section)
		if s, ok := exp.Sections[j.Section]; ok {
			j.Platform = s.Platform
		}
	}
}

// AddPackage records a submitted wrapper and binds its members to it.
func (l *List) AddPackage(rec PackageRecord) error {
	members := make([]*Job, 0, len(rec.Members))
	for _, name := range rec.Members {
		j, ok := l.Get(name)
		if !ok {
			return apperrors.Integrity("joblist.package", fmt.Errorf("package %s references unknown job %s", rec.Name, name))
		}
		if j.Package != "" && j.Package != rec.Name && l.packageActive(j.Package) {
			return apperrors.Integrity("joblist.package", fmt.Errorf("job %s already belongs to active package %s", name, j.Package))
		}
		members = append(members, j)
	}
	for _, j := range members {
		j.Package = rec.Name
		j.ID = rec.RemoteID
	}
	cp := rec
	cp.Members = append([]string(nil), rec.Members...)
	l.packages[rec.Name] = &cp
	return nil
}

// Package returns a recorded wrapper package.
func (l *List) Package(name string) (*PackageRecord, bool) {
	p, ok := l.packages[name]
	return p, ok
}

// Packages returns every recorded package sorted by name.
func (l *List) Packages() []*PackageRecord {
	out := make([]*PackageRecord, 0, len(l.packages))
	for _, p := range l.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// packageActive reports whether any member of a package is not terminal.
func (l *List) packageActive(name string) bool {
	p, ok := l.packages[name]
	if !ok {
		return false
	}
	for _, m := range p.Members {
		if j, ok := l.Get(m); ok && j.Package == name && j.Status.IsActive() {
			return true
		}
	}
	return false
}

// PrunePackages forgets packages whose members all reached a terminal state.
func (l *List) PrunePackages() int {
	pruned := 0
	for name := range l.packages {
		if !l.packageActive(name) {
			l.dropPackage(name)
			pruned++
		}
	}
	return pruned
}

// detach removes a job from its package and clears the packed flag.
func (l *List) detach(j *Job) {
	j.Packed = false
	if j.Package == "" {
		return
	}
	if p, ok := l.packages[j.Package]; ok {
		kept := p.Members[:0]
		for _, m := range p.Members {
			if m != j.Name {
				kept = append(kept, m)
			}
		}
		p.Members = kept
		if len(kept) == 0 {
			delete(l.packages, p.Name)
		}
	}
	j.Package = ""
}

func (l *List) dropPackage(name string) {
	p, ok := l.packages[name]
	if !ok {
		return
	}
	for _, m := range p.Members {
		if j, ok := l.Get(m); ok && j.Package == name {
			j.Packed = false
		}
	}
	delete(l.packages, name)
}

// Check verifies that every packed job belongs to exactly one active
// package and that packages only reference known jobs.
func (l *List) Check() error {
	owners := make(map[string]string)
	for name, p := range l.packages {
		for _, m := range p.Members {
			if _, ok := l.Get(m); !ok {
				return apperrors.Integrity("joblist.check", fmt.Errorf("package %s references unknown job %s", name, m))
			}
			if prev, dup := owners[m]; dup && l.packageActive(prev) && l.packageActive(name) {
				return apperrors.Integrity("joblist.check", fmt.Errorf("job %s is in packages %s and %s", m, prev, name))
			}
			owners[m] = name
		}
	}
	for _, j := range l.jobs {
		if j.Packed && j.Package != "" && !l.packageActive(j.Package) {
			return apperrors.Integrity("joblist.check", fmt.Errorf("job %s is packed in inactive package %s", j.Name, j.Package))
		}
	}
	return nil
}

// Persister stores snapshots of the list.
type Persister interface {
	Save(ctx context.Context, snap *Snapshot) error
}

// Save writes a snapshot through p.
func (l *List) Save(ctx context.Context, p Persister) error {
	return p.Save(ctx, l.Snapshot())
}
