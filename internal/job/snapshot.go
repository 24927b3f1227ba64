package job

import (
	"fmt"
	"time"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/status"
)

// Record is the persisted state of one job. Edges are not persisted; they
// are regenerated from the experiment definition.
type Record struct {
	Name       string        `json:"name"`
	Status     status.Status `json:"status"`
	PrevStatus status.Status `json:"prev_status"`
	ID         int           `json:"id"`
	FailCount  int           `json:"fail_count"`
	Platform   string        `json:"platform"`
	Packed     bool          `json:"packed"`
	Hold       bool          `json:"hold"`
	Wrapper    string        `json:"wrapper,omitempty"`
	SubmitTime time.Time     `json:"submit_time,omitzero"`
	StartTime  time.Time     `json:"start_time,omitzero"`
	FinishTime time.Time     `json:"finish_time,omitzero"`
}

// Snapshot is everything a store persists for one experiment.
type Snapshot struct {
	ExpID    string          `json:"expid"`
	Sequence uint64          `json:"sequence"`
	SavedAt  time.Time       `json:"saved_at"`
	Jobs     []Record        `json:"jobs"`
	Packages []PackageRecord `json:"packages"`
}

// Snapshot captures the persisted state of every job and package.
func (l *List) Snapshot() *Snapshot {
	snap := &Snapshot{
		ExpID:    l.expID,
		SavedAt:  time.Now().UTC(),
		Jobs:     make([]Record, 0, len(l.jobs)),
		Packages: make([]PackageRecord, 0, len(l.packages)),
	}
	for _, j := range l.jobs {
		snap.Jobs = append(snap.Jobs, Record{
			Name:       j.Name,
			Status:     j.Status,
			PrevStatus: j.PrevStatus,
			ID:         j.ID,
			FailCount:  j.FailCount,
			Platform:   j.Platform,
			Packed:     j.Packed,
			Hold:       j.Hold,
			Wrapper:    j.Package,
			SubmitTime: j.SubmitTime,
			StartTime:  j.StartTime,
			FinishTime: j.FinishTime,
		})
	}
	for _, p := range l.Packages() {
		cp := *p
		cp.Members = append([]string(nil), p.Members...)
		snap.Packages = append(snap.Packages, cp)
	}
	return snap
}

// Restore overlays persisted state onto a generated list. Records of jobs
// no longer in the definition are skipped; jobs without a record keep
// their generated state.
func (l *List) Restore(snap *Snapshot) error {
	if snap == nil {
		return apperrors.Integrity("joblist.restore", fmt.Errorf("nil snapshot"))
	}
	if snap.ExpID != "" && snap.ExpID != l.expID {
		return apperrors.Integrity("joblist.restore", fmt.Errorf("snapshot belongs to %s, not %s", snap.ExpID, l.expID))
	}

	skipped := 0
	for _, r := range snap.Jobs {
		j, ok := l.Get(r.Name)
		if !ok {
			skipped++
			continue
		}
		if !r.Status.Valid() {
			return apperrors.Integrity("joblist.restore", fmt.Errorf("job %s has invalid status %d", r.Name, r.Status))
		}
		j.Status = r.Status
		j.PrevStatus = r.PrevStatus
		j.ID = r.ID
		j.FailCount = r.FailCount
		if r.Platform != "" {
			j.Platform = r.Platform
		}
		j.Packed = r.Packed
		j.Hold = r.Hold
		j.Package = ""
		j.SubmitTime = r.SubmitTime
		j.StartTime = r.StartTime
		j.FinishTime = r.FinishTime
	}

	l.packages = make(map[string]*PackageRecord, len(snap.Packages))
	for _, p := range snap.Packages {
		if err := l.AddPackage(p); err != nil {
			return err
		}
	}

	// A packed flag without an active package cannot be polled.
	repaired := 0
	for _, j := range l.jobs {
		if j.Packed && !j.Status.IsInQueue() {
			j.Packed = false
			repaired++
		}
	}
	if skipped > 0 || repaired > 0 {
		l.logger.Warn("Snapshot did not match the definition exactly", "unknownJobs", skipped, "repairedPacked", repaired)
	}
	return l.Check()
}
