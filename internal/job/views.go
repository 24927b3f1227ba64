package job

import (
	"sort"

	"autosubmit/internal/status"
)

func (l *List) filter(keep func(*Job) bool) []*Job {
	var out []*Job
	for _, j := range l.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}

// ByStatus returns the jobs currently in s.
func (l *List) ByStatus(s status.Status) []*Job {
	return l.filter(func(j *Job) bool { return j.Status == s })
}

// Ready returns the jobs whose dependencies are satisfied and that await
// packaging.
func (l *List) Ready() []*Job {
	return l.ByStatus(status.Ready)
}

// Active returns every job that has not reached a terminal state.
func (l *List) Active() []*Job {
	return l.filter(func(j *Job) bool { return j.Status.IsActive() })
}

// Completed returns the completed jobs.
func (l *List) Completed() []*Job {
	return l.ByStatus(status.Completed)
}

// Failed returns the failed jobs.
func (l *List) Failed() []*Job {
	return l.ByStatus(status.Failed)
}

// InQueue returns the jobs held by a remote platform.
func (l *List) InQueue() []*Job {
	return l.filter(func(j *Job) bool { return j.Status.IsInQueue() })
}

// InQueueByPlatform groups in-queue jobs by their resolved platform.
func (l *List) InQueueByPlatform() map[string][]*Job {
	out := make(map[string][]*Job)
	for _, j := range l.jobs {
		if j.Status.IsInQueue() {
			p := l.PlatformOf(j)
			out[p] = append(out[p], j)
		}
	}
	return out
}

// Platforms returns the sorted set of platforms referenced by any job.
func (l *List) Platforms() []string {
	seen := make(map[string]struct{})
	for _, j := range l.jobs {
		seen[l.PlatformOf(j)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Counts tallies jobs per status.
func (l *List) Counts() map[status.Status]int {
	out := make(map[status.Status]int)
	for _, j := range l.jobs {
		out[j.Status]++
	}
	return out
}

// Eligible reports whether the job at idx is WAITING and every parent
// satisfies its edge condition.
func (l *List) Eligible(idx int) bool {
	j := l.jobs[idx]
	return j.Status == status.Waiting && l.dependenciesMet(j)
}

func (l *List) dependenciesMet(j *Job) bool {
	for _, e := range j.parents {
		if !satisfies(l.jobs[e.Parent].Status, e.Condition) {
			return false
		}
	}
	return true
}

func (l *List) allParentsSkipped(j *Job) bool {
	if len(j.parents) == 0 {
		return false
	}
	for _, e := range j.parents {
		if l.jobs[e.Parent].Status != status.Skipped {
			return false
		}
	}
	return true
}

// MetExcept reports whether every parent of the job at idx satisfies its
// edge condition, ignoring parents in pending. Wrappers use it to chain
// jobs whose only unfinished parents run earlier in the same submission.
func (l *List) MetExcept(idx int, pending map[int]bool) bool {
	for _, e := range l.jobs[idx].parents {
		if pending[e.Parent] {
			continue
		}
		if !satisfies(l.jobs[e.Parent].Status, e.Condition) {
			return false
		}
	}
	return true
}
