// Package platform defines the contract every execution back end satisfies
// and the submission unit handed to it.
package platform

import (
	"context"
	"time"

	"autosubmit/internal/config"
	"autosubmit/internal/job"
	"autosubmit/internal/status"
)

// Package is one submission: a single job or a wrapper of several jobs.
type Package struct {
	Name       string
	Platform   string
	Wrapper    string // wrapper type, none for single jobs
	Jobs       []*job.Job
	Processors int
	Wallclock  time.Duration
	Hold       bool // submit without releasing, an external trigger starts it
}

// Wrapped reports whether the package groups more than one job under a
// single remote id.
func (p *Package) Wrapped() bool {
	return len(p.Jobs) > 1
}

// JobNames returns the member names in submission order.
func (p *Package) JobNames() []string {
	names := make([]string, len(p.Jobs))
	for i, j := range p.Jobs {
		names[i] = j.Name
	}
	return names
}

// Chain is a run of jobs executed one after another.
type Chain []*job.Job

// Stage is a set of chains executed in parallel.
type Stage []Chain

// Stages lays the members out for execution. Stages run one after another
// and a stage ends when all of its chains have finished.
func (p *Package) Stages() []Stage {
	switch p.Wrapper {
	case config.WrapperHorizontal:
		return []Stage{singles(p.Jobs)}
	case config.WrapperVerticalHorizontal:
		return []Stage{splitBy(p.Jobs, func(j *job.Job) string { return j.Date + "/" + j.Member })}
	case config.WrapperHorizontalVertical:
		return layers(p.Jobs)
	default:
		return []Stage{{Chain(p.Jobs)}}
	}
}

// Sequential reports whether some members wait for others inside the
// package.
func (p *Package) Sequential() bool {
	if !p.Wrapped() {
		return false
	}
	switch p.Wrapper {
	case config.WrapperVertical, config.WrapperVerticalHorizontal, config.WrapperHorizontalVertical:
		return true
	default:
		return false
	}
}

func singles(jobs []*job.Job) Stage {
	stage := make(Stage, len(jobs))
	for i, j := range jobs {
		stage[i] = Chain{j}
	}
	return stage
}

// layers runs every member alone, one stage per chunk. A member whose
// parent is in the package goes at least one stage after that parent, so
// same-chunk dependencies never run in parallel.
func layers(jobs []*job.Job) []Stage {
	rank := make(map[int]int)
	for _, j := range jobs {
		if _, ok := rank[j.Chunk]; !ok {
			rank[j.Chunk] = len(rank)
		}
	}
	byIndex := make(map[int]*job.Job, len(jobs))
	for _, j := range jobs {
		byIndex[j.Index()] = j
	}
	depth := make(map[*job.Job]int, len(jobs))
	var place func(j *job.Job) int
	place = func(j *job.Job) int {
		if d, ok := depth[j]; ok {
			return d
		}
		d := rank[j.Chunk]
		for _, e := range j.Parents() {
			if parent, ok := byIndex[e.Parent]; ok && parent != j {
				d = max(d, place(parent)+1)
			}
		}
		depth[j] = d
		return d
	}

	var stages []Stage
	for _, j := range jobs {
		d := place(j)
		for len(stages) <= d {
			stages = append(stages, nil)
		}
		stages[d] = append(stages[d], Chain{j})
	}
	out := stages[:0]
	for _, st := range stages {
		if len(st) > 0 {
			out = append(out, st)
		}
	}
	return out
}

// splitBy partitions jobs by key, keeping first-seen key order.
func splitBy(jobs []*job.Job, key func(*job.Job) string) Stage {
	var order []string
	groups := make(map[string]Chain)
	for _, j := range jobs {
		k := key(j)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], j)
	}
	out := make(Stage, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}

// Submission is the outcome of a successful submit.
type Submission struct {
	RemoteID int
	Accepted time.Time
}

// Capacity reports the submission limits of a platform.
type Capacity struct {
	TotalJobs      int // jobs allowed in queue at once, 0 for unlimited
	MaxWaitingJobs int // jobs allowed waiting in the remote queue, 0 for unlimited
}

// Gateway is an execution back end. Implementations report proposed
// statuses; only the run loop applies them to jobs.
type Gateway interface {
	// Name is the platform name jobs are bound to.
	Name() string

	// Submit hands a package to the platform.
	Submit(ctx context.Context, pkg *Package) (Submission, error)

	// Poll returns the remote status of a job or wrapper id.
	Poll(ctx context.Context, remoteID int) (status.Status, error)

	// CompletionMarker reports whether the job left its finished marker.
	CompletionMarker(ctx context.Context, jobName string) (bool, error)

	// FetchLogs copies the logs of a job locally. Best effort.
	FetchLogs(ctx context.Context, jobName string) error

	// Cancel stops a remote job. Cancelling a finished job is not an error.
	Cancel(ctx context.Context, remoteID int) error

	// TestConnectivity returns nil when the platform is reachable, or a
	// diagnostic error.
	TestConnectivity(ctx context.Context) error

	// Capacity returns the current submission limits.
	Capacity(ctx context.Context) (Capacity, error)

	// Reconnect re-establishes the connection after a transient failure.
	Reconnect(ctx context.Context) error
}
