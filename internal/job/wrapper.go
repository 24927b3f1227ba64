package job

import (
	"autosubmit/internal/config"
	"autosubmit/internal/status"
)

// WrapperJob is the aggregate view of the members of one package. It is
// derived from the list on demand and never persisted.
type WrapperJob struct {
	Name     string
	Platform string
	Wrapper  string
	RemoteID int
	Members  []*Job
}

// Status derives the package status from its members.
func (w *WrapperJob) Status() status.Status {
	statuses := make([]status.Status, len(w.Members))
	for i, m := range w.Members {
		statuses[i] = m.Status
	}
	return DeriveStatus(statuses)
}

// Active reports whether any member still has to reach a terminal state.
func (w *WrapperJob) Active() bool {
	for _, m := range w.Members {
		if m.Status.IsActive() {
			return true
		}
	}
	return false
}

// Vertical reports whether members run one after another.
func (w *WrapperJob) Vertical() bool {
	switch w.Wrapper {
	case config.WrapperVertical, config.WrapperVerticalHorizontal, config.WrapperHorizontalVertical:
		return true
	default:
		return false
	}
}

// DeriveStatus applies the wrapper precedence: all COMPLETED, then HELD,
// RUNNING, QUEUING, SUBMITTED and finally FAILED. FAILED only wins once no
// member is still held, running, queuing or submitted. A partially
// completed package with nothing failed counts as RUNNING.
func DeriveStatus(members []status.Status) status.Status {
	if len(members) == 0 {
		return status.Unknown
	}
	counts := make(map[status.Status]int, len(members))
	for _, s := range members {
		counts[s]++
	}
	switch {
	case counts[status.Completed] == len(members):
		return status.Completed
	case counts[status.Held] > 0:
		return status.Held
	case counts[status.Running] > 0:
		return status.Running
	case counts[status.Queuing] > 0:
		return status.Queuing
	case counts[status.Submitted] > 0:
		return status.Submitted
	case counts[status.Failed] > 0:
		return status.Failed
	case counts[status.Completed] > 0:
		return status.Running
	default:
		return status.Submitted
	}
}

// Wrappers returns a view of every recorded package, sorted by name.
func (l *List) Wrappers() []*WrapperJob {
	out := make([]*WrapperJob, 0, len(l.packages))
	for _, p := range l.Packages() {
		out = append(out, l.view(p))
	}
	return out
}

// WrapperOf returns the wrapper view a job belongs to, if any.
func (l *List) WrapperOf(j *Job) (*WrapperJob, bool) {
	p, ok := l.packages[j.Package]
	if !ok {
		return nil, false
	}
	return l.view(p), true
}

func (l *List) view(p *PackageRecord) *WrapperJob {
	w := &WrapperJob{Name: p.Name, Platform: p.Platform, Wrapper: p.Wrapper, RemoteID: p.RemoteID}
	for _, name := range p.Members {
		if m, ok := l.Get(name); ok {
			w.Members = append(w.Members, m)
		}
	}
	return w
}
