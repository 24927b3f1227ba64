package job

import (
	"slices"
	"strconv"
	"strings"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/config"
)

// coords identifies a job within its section.
type coords struct {
	date   string
	member string
	chunk  int
}

// Name builds the job name <expid>[_<date>][_<member>][_<chunk>]_<section>.
func Name(expID, date, member string, chunk int, section string) string {
	parts := []string{expID}
	if date != "" {
		parts = append(parts, date)
	}
	if member != "" {
		parts = append(parts, member)
	}
	if chunk > 0 {
		parts = append(parts, strconv.Itoa(chunk))
	}
	return strings.Join(append(parts, section), "_")
}

// Generate builds the job graph of an experiment: one job per section and
// running-level coordinate, with edges resolved from section dependencies.
func Generate(exp *config.Experiment) (*List, error) {
	if dup := duplicate(exp.Dates); dup != "" {
		return nil, apperrors.Config("dates", "duplicate date "+dup)
	}
	if dup := duplicate(exp.Members); dup != "" {
		return nil, apperrors.Config("members", "duplicate member "+dup)
	}

	members := exp.Members
	if len(exp.RunOnlyMembers) > 0 {
		members = slices.DeleteFunc(slices.Clone(exp.Members), func(m string) bool {
			return !slices.Contains(exp.RunOnlyMembers, m)
		})
	}

	l := New(exp.ExpID, exp.DefaultPlatform)
	g := &generator{exp: exp, members: members}

	for priority, name := range exp.SectionOrder {
		section, ok := exp.Sections[name]
		if !ok {
			return nil, apperrors.Config("sections", "unknown section "+name)
		}
		for _, c := range g.coordinates(section.Running) {
			l.Add(&Job{
				Name:       Name(exp.ExpID, c.date, c.member, c.chunk, name),
				Section:    name,
				Date:       c.date,
				Member:     c.member,
				Chunk:      c.chunk,
				Platform:   section.Platform,
				Retrials:   exp.SectionRetrials(name),
				Priority:   priority,
				Processors: section.Processors,
				Wallclock:  section.WallclockDuration(),
				Script:     section.Script,
				Hold:       section.Hold,
			})
		}
	}

	for _, child := range l.jobs {
		section := exp.Sections[child.Section]
		for _, dep := range section.Deps() {
			parent, ok := exp.Sections[dep.Section]
			if !ok {
				return nil, apperrors.Config("sections."+child.Section+".dependencies", "unknown section "+dep.Section)
			}
			for _, pc := range g.resolve(child, parent.Running, dep) {
				idx, ok := l.byName[Name(exp.ExpID, pc.date, pc.member, pc.chunk, dep.Section)]
				if !ok {
					continue
				}
				l.Link(idx, child.index, dep.Condition)
			}
		}
	}

	if err := l.Sort(); err != nil {
		return nil, err
	}
	l.logger.Info("Job graph generated", "jobs", l.Len(), "sections", len(exp.SectionOrder))
	return l, nil
}

type generator struct {
	exp     *config.Experiment
	members []string
}

func (g *generator) chunks() []int {
	out := make([]int, 0, g.exp.NumChunks-g.exp.ChunkIni+1)
	for c := g.exp.ChunkIni; c <= g.exp.NumChunks; c++ {
		out = append(out, c)
	}
	return out
}

// coordinates enumerates the jobs of a running level in date, member,
// chunk order.
func (g *generator) coordinates(running string) []coords {
	switch running {
	case config.RunningDate:
		out := make([]coords, 0, len(g.exp.Dates))
		for _, d := range g.exp.Dates {
			out = append(out, coords{date: d})
		}
		return out
	case config.RunningMember:
		out := make([]coords, 0, len(g.exp.Dates)*len(g.members))
		for _, d := range g.exp.Dates {
			for _, m := range g.members {
				out = append(out, coords{date: d, member: m})
			}
		}
		return out
	case config.RunningChunk:
		chunks := g.chunks()
		out := make([]coords, 0, len(g.exp.Dates)*len(g.members)*len(chunks))
		for _, d := range g.exp.Dates {
			for _, m := range g.members {
				for _, c := range chunks {
					out = append(out, coords{date: d, member: m, chunk: c})
				}
			}
		}
		return out
	default:
		return []coords{{}}
	}
}

// resolve returns the coordinates of the parent jobs a child depends on.
// A parent at a finer level than the child contributes every job within
// the child's scope. Chunk offsets only apply between chunk jobs.
func (g *generator) resolve(child *Job, parentRunning string, dep config.Dependency) []coords {
	inScope := func(c coords) bool {
		if child.Date != "" && c.date != "" && c.date != child.Date {
			return false
		}
		if child.Member != "" && c.member != "" && c.member != child.Member {
			return false
		}
		return true
	}

	if parentRunning == config.RunningChunk && child.Chunk > 0 {
		chunk := child.Chunk
		if dep.Relative {
			chunk += dep.ChunkOffset
		}
		if chunk < g.exp.ChunkIni || chunk > g.exp.NumChunks {
			return nil
		}
		return []coords{{date: child.Date, member: child.Member, chunk: chunk}}
	}

	var out []coords
	for _, c := range g.coordinates(parentRunning) {
		if inScope(c) {
			out = append(out, c)
		}
	}
	return out
}

func duplicate(values []string) string {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			return v
		}
		seen[v] = struct{}{}
	}
	return ""
}
