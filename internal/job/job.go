// Package job holds the experiment job graph: jobs, their dependency edges,
// submission package membership and the derived views the run loop consumes.
package job

import (
	"time"

	"autosubmit/internal/config"
	"autosubmit/internal/status"
)

// Job is one schedulable unit of work.
//
// Edges are indices into the owning List, so a Job is only meaningful
// together with its List.
type Job struct {
	Name    string
	Section string
	Date    string // empty for once jobs
	Member  string // empty for once and date jobs
	Chunk   int    // 0 unless the section runs per chunk

	ID         int // remote id, 0 until submitted
	Status     status.Status
	PrevStatus status.Status
	Platform   string
	FailCount  int
	Retrials   int
	Packed     bool
	Hold       bool
	Package    string // wrapper package name, empty when submitted alone

	Priority   int // section declaration order
	Level      int // longest dependency path from a root
	Processors int
	Wallclock  time.Duration
	Script     string

	SubmitTime time.Time
	StartTime  time.Time
	FinishTime time.Time

	index    int
	parents  []Edge
	children []int
}

// Edge is a parent link with the condition that satisfies it.
type Edge struct {
	Parent    int
	Condition string
}

// Change is a detected status transition.
type Change struct {
	Job  string        `json:"job"`
	Prev status.Status `json:"prev"`
	New  status.Status `json:"new"`
	Time time.Time     `json:"time"`
}

// Index returns the arena position of the job in its List.
func (j *Job) Index() int {
	return j.index
}

// Parents returns the incoming edges.
func (j *Job) Parents() []Edge {
	return j.parents
}

// Children returns the arena indices of dependent jobs.
func (j *Job) Children() []int {
	return j.children
}

// ApplyRemoteStatus moves the job to a reported status. Reporting the
// current status again is a no-op and yields no change.
func (j *Job) ApplyRemoteStatus(reported status.Status, now time.Time) (Change, bool) {
	if reported == j.Status {
		return Change{}, false
	}
	change := Change{Job: j.Name, Prev: j.Status, New: reported, Time: now}
	j.PrevStatus = j.Status
	j.Status = reported

	switch reported {
	case status.Failed:
		j.FailCount++
		j.FinishTime = now
	case status.Completed:
		j.FailCount = 0
		j.FinishTime = now
	case status.Running:
		j.StartTime = now
	case status.Skipped:
		j.FinishTime = now
	}
	return change, true
}

// satisfies reports whether a parent status meets an edge condition.
func satisfies(parent status.Status, condition string) bool {
	switch condition {
	case config.ConditionAny:
		return parent.IsTerminal()
	case config.ConditionFailed:
		return parent == status.Failed
	case config.ConditionSkipped:
		return parent == status.Skipped
	default:
		return parent == status.Completed
	}
}
