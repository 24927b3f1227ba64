package job

import (
	"time"

	"autosubmit/internal/status"
)

// UpdateList propagates readiness through the graph and reports whether
// any job changed status.
//
// In dependency order it:
//   - on the first call of a run, returns in-queue jobs that never received
//     a remote id to READY, since their submission was not persisted;
//   - returns FAILED jobs with retrials left to READY;
//   - marks jobs whose parents were all skipped as SKIPPED;
//   - promotes eligible WAITING jobs to READY;
//   - demotes READY jobs whose parents regressed back to WAITING.
func (l *List) UpdateList(first bool) bool {
	now := time.Now()
	changed := false

	for _, idx := range l.topo() {
		j := l.jobs[idx]

		if first && j.Status.IsInQueue() && j.ID == 0 {
			l.detach(j)
			if l.transition(j, status.Ready, now) {
				l.logger.Warn("Job was in queue without a remote id, resubmitting", "job", j.Name)
				changed = true
			}
			continue
		}

		switch j.Status {
		case status.Failed:
			if j.FailCount <= j.Retrials && l.dependenciesMet(j) {
				l.detach(j)
				j.ID = 0
				if l.transition(j, status.Ready, now) {
					l.logger.Info("Retrying failed job", "job", j.Name, "failCount", j.FailCount, "retrials", j.Retrials)
					changed = true
				}
			}
		case status.Waiting:
			switch {
			case l.allParentsSkipped(j):
				j.FinishTime = now
				changed = l.transition(j, status.Skipped, now) || changed
			case l.Eligible(idx):
				changed = l.transition(j, status.Ready, now) || changed
			}
		case status.Ready:
			switch {
			case l.allParentsSkipped(j):
				j.FinishTime = now
				changed = l.transition(j, status.Skipped, now) || changed
			case !j.Packed && !l.dependenciesMet(j):
				changed = l.transition(j, status.Waiting, now) || changed
			}
		}
	}
	return changed
}
