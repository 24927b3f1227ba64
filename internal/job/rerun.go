package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/status"
)

// Rerun resets the jobs matched by spec, and everything downstream of them,
// to WAITING. Ancestors keep their state.
//
// spec is a comma-separated list whose items are either a job name, a
// section optionally followed by a chunk or chunk range (SIM:2, SIM:2-4),
// or * for every job.
func (l *List) Rerun(spec string) (int, error) {
	roots, err := l.matchRerun(spec)
	if err != nil {
		return 0, err
	}

	seen := make(map[int]struct{}, len(roots))
	queue := append([]int(nil), roots...)
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		queue = append(queue, l.jobs[idx].children...)
	}

	now := time.Now()
	for _, idx := range l.topo() {
		if _, ok := seen[idx]; !ok {
			continue
		}
		j := l.jobs[idx]
		l.detach(j)
		l.transition(j, status.Waiting, now)
		j.ID = 0
		j.FailCount = 0
		j.SubmitTime = time.Time{}
		j.StartTime = time.Time{}
		j.FinishTime = time.Time{}
	}
	l.logger.Info("Rerun requested", "spec", spec, "jobs", len(seen))
	return len(seen), nil
}

func (l *List) matchRerun(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, apperrors.Config("rerun", "empty rerun specification")
	}

	var out []int
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if item == "*" {
			for i := range l.jobs {
				out = append(out, i)
			}
			continue
		}
		if idx, ok := l.byName[item]; ok {
			out = append(out, idx)
			continue
		}

		section, chunks, hasRange := strings.Cut(item, ":")
		lo, hi := 0, 0
		if hasRange {
			var err error
			lo, hi, err = parseChunkRange(chunks)
			if err != nil {
				return nil, apperrors.Config("rerun", err.Error())
			}
		}
		matched := 0
		for i, j := range l.jobs {
			if j.Section != section {
				continue
			}
			if hasRange && (j.Chunk < lo || j.Chunk > hi) {
				continue
			}
			out = append(out, i)
			matched++
		}
		if matched == 0 {
			return nil, apperrors.Config("rerun", "no job matches "+item)
		}
	}
	return out, nil
}

func parseChunkRange(s string) (int, int, error) {
	from, to, isRange := strings.Cut(s, "-")
	lo, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil || lo <= 0 {
		return 0, 0, fmt.Errorf("malformed chunk range %q", s)
	}
	if !isRange {
		return lo, lo, nil
	}
	hi, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil || hi < lo {
		return 0, 0, fmt.Errorf("malformed chunk range %q", s)
	}
	return lo, hi, nil
}
