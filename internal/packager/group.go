package packager

import (
	"sort"

	"autosubmit/internal/config"
	"autosubmit/internal/job"
	"autosubmit/internal/platform"
	"autosubmit/internal/status"
)

// grouping carries the per-build state of one platform.
type grouping struct {
	p    *Packager
	list *job.List
	name string
	hold bool
	used map[int]bool
	out  []*platform.Package
}

// group turns the sorted candidates into packages, in candidate order.
func (p *Packager) group(list *job.List, name string, candidates []*job.Job, hold bool) []*platform.Package {
	g := &grouping{p: p, list: list, name: name, hold: hold, used: make(map[int]bool)}
	for _, c := range candidates {
		if g.used[c.Index()] {
			continue
		}
		wname, w := p.exp.WrapperFor(c.Section)
		if w == nil {
			g.addSingle(c)
			continue
		}
		switch w.Type {
		case config.WrapperHorizontal:
			peers := g.peers(c, wname)
			for start := 0; start < len(peers); start += w.MaxWrapped {
				g.add(w, peers[start:min(start+w.MaxWrapped, len(peers))])
			}
		case config.WrapperVertical:
			g.add(w, g.chain(c, wname, w.MaxWrapped))
		default:
			var members []*job.Job
			for _, root := range g.peers(c, wname) {
				members = append(members, g.chain(root, wname, w.MaxWrapped)...)
			}
			if w.Type == config.WrapperHorizontalVertical {
				sort.SliceStable(members, func(i, k int) bool { return members[i].Chunk < members[k].Chunk })
			}
			g.add(w, keep(list, members, w.MaxWrapped))
		}
	}
	return g.out
}

// eligible reports whether j may join a package of wrapper wname.
func (g *grouping) eligible(j *job.Job, wname string) bool {
	if g.used[j.Index()] || j.Packed || j.Hold != g.hold || g.list.PlatformOf(j) != g.name {
		return false
	}
	name, _ := g.p.exp.WrapperFor(j.Section)
	return name == wname
}

// peers returns c and every other unused READY candidate of the same
// wrapper and chunk, in job order.
func (g *grouping) peers(c *job.Job, wname string) []*job.Job {
	var out []*job.Job
	for _, j := range g.list.Ready() {
		if j.Chunk == c.Chunk && g.eligible(j, wname) {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return less(out[i], out[k]) })
	return out
}

// chain follows WAITING children of the same date and member whose other
// parents are already satisfied, starting at the READY job root.
func (g *grouping) chain(root *job.Job, wname string, limit int) []*job.Job {
	members := []*job.Job{root}
	pending := map[int]bool{root.Index(): true}
	cur := root
	for len(members) < limit {
		var next *job.Job
		children := append([]int(nil), cur.Children()...)
		sort.Ints(children)
		for _, idx := range children {
			child := g.list.At(idx)
			if child.Status != status.Waiting || child.Date != root.Date || child.Member != root.Member {
				continue
			}
			if g.eligible(child, wname) && g.list.MetExcept(idx, pending) {
				next = child
				break
			}
		}
		if next == nil {
			break
		}
		members = append(members, next)
		pending[next.Index()] = true
		cur = next
	}
	return members
}

// keep returns up to n jobs in order, dropping any whose unfinished
// parents are not kept before it.
func keep(list *job.List, jobs []*job.Job, n int) []*job.Job {
	kept := make([]*job.Job, 0, min(n, len(jobs)))
	pending := make(map[int]bool)
	for _, j := range jobs {
		if len(kept) == n {
			break
		}
		if list.MetExcept(j.Index(), pending) {
			kept = append(kept, j)
			pending[j.Index()] = true
		}
	}
	return kept
}

// add emits members as one wrapper, or as singles when the group is
// below the wrapper minimum. Only READY members can run alone.
func (g *grouping) add(w *config.Wrapper, members []*job.Job) {
	if len(members) < max(w.MinWrapped, 2) {
		for _, j := range members {
			if j.Status == status.Ready {
				g.addSingle(j)
			}
		}
		return
	}
	pkg := &platform.Package{Platform: g.name, Wrapper: w.Type}
	g.p.finalize(pkg, members)
	for _, j := range members {
		g.used[j.Index()] = true
	}
	g.out = append(g.out, pkg)
}

func (g *grouping) addSingle(j *job.Job) {
	g.used[j.Index()] = true
	g.out = append(g.out, g.p.single(g.name, j))
}
