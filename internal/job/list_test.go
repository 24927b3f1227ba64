package job

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/config"
	"autosubmit/internal/status"
)

const twoSectionExperiment = `
expid = "t000"
dates = ["20000101", "20000201"]
members = ["fc0", "fc1"]
num_chunks = 3
retrials = 0

[platforms.local]
type = "docker"

[sections.SIM]
running = "chunk"
dependencies = ["SIM-1"]

[sections.POST]
running = "chunk"
dependencies = ["SIM"]
`

func mustExperiment(t *testing.T, src string) *config.Experiment {
	t.Helper()
	exp, err := config.ParseExperiment([]byte(src))
	if err != nil {
		t.Fatalf("ParseExperiment: %v", err)
	}
	return exp
}

func mustGenerate(t *testing.T, src string) *List {
	t.Helper()
	l, err := Generate(mustExperiment(t, src))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return l
}

func mustGet(t *testing.T, l *List, name string) *Job {
	t.Helper()
	j, ok := l.Get(name)
	if !ok {
		t.Fatalf("job %s not found", name)
	}
	return j
}

// chain builds root -> a -> b -> c plus a sibling of a named d.
func chain(t *testing.T) *List {
	t.Helper()
	l := New("x000", "local")
	names := []string{"root", "a", "b", "c", "d"}
	for _, n := range names {
		l.Add(&Job{Name: n, Section: strings.ToUpper(n)})
	}
	l.Link(0, 1, "")
	l.Link(1, 2, "")
	l.Link(2, 3, "")
	l.Link(0, 4, "")
	if err := l.Sort(); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestGenerate_Shape(t *testing.T) {
	t.Parallel()
	l := mustGenerate(t, twoSectionExperiment)

	if l.Len() != 24 {
		t.Fatalf("Expected 24 jobs, got %d", l.Len())
	}

	post := mustGet(t, l, "t000_20000101_fc0_2_POST")
	if len(post.Parents()) != 1 || l.At(post.Parents()[0].Parent).Name != "t000_20000101_fc0_2_SIM" {
		t.Errorf("POST chunk 2 should depend on SIM chunk 2 only, got %v", post.Parents())
	}

	sim1 := mustGet(t, l, "t000_20000101_fc0_1_SIM")
	if len(sim1.Parents()) != 0 {
		t.Errorf("First SIM chunk must have no parents")
	}
	sim3 := mustGet(t, l, "t000_20000201_fc1_3_SIM")
	if len(sim3.Parents()) != 1 || l.At(sim3.Parents()[0].Parent).Name != "t000_20000201_fc1_2_SIM" {
		t.Errorf("SIM chunk 3 should depend on SIM chunk 2")
	}
	if sim3.Level != 2 {
		t.Errorf("Expected SIM chunk 3 at level 2, got %d", sim3.Level)
	}
	if l.PlatformOf(sim3) != "local" {
		t.Errorf("Expected default platform, got %q", l.PlatformOf(sim3))
	}

	for _, j := range l.Jobs() {
		if j.Status != status.Waiting {
			t.Errorf("%s generated in %s", j.Name, j.Status)
		}
	}
}

func TestGenerate_Acyclic(t *testing.T) {
	t.Parallel()
	l := mustGenerate(t, twoSectionExperiment)

	// Every edge must point from an earlier to a later topological position.
	pos := make(map[int]int, l.Len())
	for i, idx := range l.topo() {
		pos[idx] = i
	}
	for _, j := range l.Jobs() {
		for _, e := range j.Parents() {
			if pos[e.Parent] >= pos[j.Index()] {
				t.Errorf("edge %s -> %s breaks topological order", l.At(e.Parent).Name, j.Name)
			}
		}
	}
}

func TestGenerate_Cycle(t *testing.T) {
	t.Parallel()
	exp := mustExperiment(t, `
expid = "c000"
dates = ["20000101"]
members = ["fc0"]
num_chunks = 1

[platforms.local]
type = "docker"

[sections.A]
dependencies = ["B"]

[sections.B]
dependencies = ["A"]
`)
	_, err := Generate(exp)
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("Expected configuration error for a cycle, got %v", err)
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("Expected cycle diagnostic, got %q", err.Error())
	}
}

func TestGenerate_DuplicateDimensions(t *testing.T) {
	t.Parallel()
	exp := mustExperiment(t, twoSectionExperiment)
	exp.Dates = append(exp.Dates, "20000101")
	if _, err := Generate(exp); !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("Expected configuration error for duplicate date, got %v", err)
	}

	exp = mustExperiment(t, twoSectionExperiment)
	exp.Members = append(exp.Members, "fc1")
	if _, err := Generate(exp); !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("Expected configuration error for duplicate member, got %v", err)
	}
}

func TestGenerate_RunningLevels(t *testing.T) {
	t.Parallel()
	l := mustGenerate(t, `
expid = "r000"
dates = ["20000101", "20000201"]
members = ["fc0", "fc1", "fc2"]
num_chunks = 2
run_only_members = ["fc0", "fc2"]

[platforms.local]
type = "docker"

[sections.INI]
running = "member"

[sections.SIM]
running = "chunk"
dependencies = ["INI", "SIM-1"]

[sections.CLEAN]
running = "date"
dependencies = ["SIM"]

[sections.REPORT]
dependencies = ["CLEAN"]

[sections.REPORT.conditions]
CLEAN = "any"
`)

	// 2 dates x 2 members INI, x 2 chunks SIM, 2 CLEAN, 1 REPORT.
	if l.Len() != 4+8+2+1 {
		t.Fatalf("Expected 15 jobs, got %d", l.Len())
	}
	for _, j := range l.Jobs() {
		if j.Member == "fc1" {
			t.Errorf("Filtered member fc1 produced %s", j.Name)
		}
	}

	sim := mustGet(t, l, "r000_20000201_fc2_2_SIM")
	var parents []string
	for _, e := range sim.Parents() {
		parents = append(parents, l.At(e.Parent).Name)
	}
	if got := strings.Join(parents, ","); got != "r000_20000201_fc2_INI,r000_20000201_fc2_1_SIM" {
		t.Errorf("Unexpected SIM parents %s", got)
	}

	clean := mustGet(t, l, "r000_20000101_CLEAN")
	if len(clean.Parents()) != 4 {
		t.Errorf("Date job should depend on every SIM of its date, got %d", len(clean.Parents()))
	}

	report := mustGet(t, l, "r000_REPORT")
	if len(report.Parents()) != 2 || report.Parents()[0].Condition != config.ConditionAny {
		t.Errorf("Unexpected REPORT edges %+v", report.Parents())
	}
}

func TestEligible_DepthThree(t *testing.T) {
	t.Parallel()
	l := chain(t)
	root, a, b, c, d := l.At(0), l.At(1), l.At(2), l.At(3), l.At(4)

	if !l.Eligible(root.Index()) {
		t.Error("root has no parents and should be eligible")
	}
	if l.Eligible(a.Index()) || l.Eligible(d.Index()) {
		t.Error("children of a waiting root must not be eligible")
	}

	root.Status = status.Completed
	if !l.Eligible(a.Index()) || !l.Eligible(d.Index()) {
		t.Error("completing root should make a and d eligible")
	}
	if l.Eligible(b.Index()) || l.Eligible(c.Index()) {
		t.Error("b and c still have unfinished parents")
	}

	a.Status, root.Status = status.Completed, status.Completed
	if !l.Eligible(b.Index()) || l.Eligible(c.Index()) {
		t.Error("completing a should flip b only")
	}

	b.Status = status.Completed
	if !l.Eligible(c.Index()) {
		t.Error("completing b should flip c")
	}
	if l.Eligible(a.Index()) {
		t.Error("a completed job is never eligible")
	}

	b.Status = status.Failed
	if l.Eligible(c.Index()) {
		t.Error("a failed parent must not satisfy a COMPLETED edge")
	}
}

func TestEligible_Conditions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		condition string
		parent    status.Status
		want      bool
	}{
		{config.ConditionCompleted, status.Completed, true},
		{config.ConditionCompleted, status.Failed, false},
		{config.ConditionFailed, status.Failed, true},
		{config.ConditionFailed, status.Completed, false},
		{config.ConditionSkipped, status.Skipped, true},
		{config.ConditionAny, status.Failed, true},
		{config.ConditionAny, status.Skipped, true},
		{config.ConditionAny, status.Running, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.condition, tt.parent), func(t *testing.T) {
			t.Parallel()
			l := New("x000", "local")
			p := l.Add(&Job{Name: "p", Status: tt.parent})
			c := l.Add(&Job{Name: "c"})
			l.Link(p, c, tt.condition)
			if got := l.Eligible(c); got != tt.want {
				t.Errorf("Eligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyRemoteStatus_Idempotent(t *testing.T) {
	t.Parallel()
	l := chain(t)
	var events []Change
	l.Observe(func(c Change) { events = append(events, c) })

	j := l.At(0)
	now := time.Now()
	l.Apply(j, status.Running, now)
	l.Apply(j, status.Running, now)
	if len(events) != 1 {
		t.Fatalf("Expected exactly one event, got %d", len(events))
	}
	if events[0].Prev != status.Waiting || events[0].New != status.Running || events[0].Job != "root" {
		t.Errorf("Unexpected event %+v", events[0])
	}
	if j.PrevStatus != status.Waiting || j.StartTime != now {
		t.Errorf("Unexpected job state %+v", j)
	}
}

func TestApplyRemoteStatus_FailCount(t *testing.T) {
	t.Parallel()
	j := &Job{Name: "j", Status: status.Running}
	now := time.Now()

	j.ApplyRemoteStatus(status.Failed, now)
	if j.FailCount != 1 {
		t.Errorf("Expected fail count 1, got %d", j.FailCount)
	}
	j.ApplyRemoteStatus(status.Failed, now)
	if j.FailCount != 1 {
		t.Errorf("Repeated FAILED must not count twice, got %d", j.FailCount)
	}
	j.ApplyRemoteStatus(status.Running, now)
	j.ApplyRemoteStatus(status.Failed, now)
	if j.FailCount != 2 {
		t.Errorf("Expected fail count 2, got %d", j.FailCount)
	}
	j.ApplyRemoteStatus(status.Completed, now)
	if j.FailCount != 0 || j.FinishTime != now {
		t.Errorf("COMPLETED should reset fail count and stamp finish time, got %+v", j)
	}
}

func TestUpdateList(t *testing.T) {
	t.Parallel()
	l := chain(t)

	if !l.UpdateList(false) {
		t.Fatal("Expected root to become ready")
	}
	if l.At(0).Status != status.Ready || l.At(1).Status != status.Waiting {
		t.Errorf("Only root should be ready")
	}
	if l.UpdateList(false) {
		t.Error("Second update without changes must report no change")
	}

	l.At(0).Status = status.Completed
	l.UpdateList(false)
	if l.At(1).Status != status.Ready || l.At(4).Status != status.Ready {
		t.Error("a and d should be ready after root completed")
	}

	// Root reruns: ready children go back to waiting.
	l.At(0).Status = status.Waiting
	l.UpdateList(false)
	if l.At(1).Status != status.Waiting || l.At(4).Status != status.Waiting {
		t.Error("ready children of a regressed parent must wait again")
	}
}

func TestUpdateList_SkippedPropagates(t *testing.T) {
	t.Parallel()
	l := chain(t)
	l.At(0).Status = status.Skipped

	l.UpdateList(false)
	for _, idx := range []int{1, 2, 3, 4} {
		if l.At(idx).Status != status.Skipped {
			t.Errorf("%s should be skipped, got %s", l.At(idx).Name, l.At(idx).Status)
		}
	}
}

func TestUpdateList_RetriesFailed(t *testing.T) {
	t.Parallel()
	l := New("x000", "local")
	j := l.At(l.Add(&Job{Name: "j", Retrials: 1}))

	j.Status, j.FailCount, j.ID = status.Failed, 1, 42
	if !l.UpdateList(false) || j.Status != status.Ready {
		t.Fatalf("Expected a retry, got %s", j.Status)
	}
	if j.ID != 0 {
		t.Error("Retry must forget the previous remote id")
	}

	j.Status, j.FailCount = status.Failed, 2
	l.UpdateList(false)
	if j.Status != status.Failed {
		t.Errorf("Retrials exhausted, expected FAILED, got %s", j.Status)
	}
}

func TestUpdateList_FirstRunResubmitsOrphans(t *testing.T) {
	t.Parallel()
	l := New("x000", "local")
	orphan := l.At(l.Add(&Job{Name: "orphan", Status: status.Submitted, Packed: true}))
	tracked := l.At(l.Add(&Job{Name: "tracked", Status: status.Running, ID: 7}))

	if l.UpdateList(false) {
		t.Error("Orphans are only recovered on the first update")
	}
	if !l.UpdateList(true) {
		t.Fatal("Expected the orphan to be recovered")
	}
	if orphan.Status != status.Ready || orphan.Packed {
		t.Errorf("Unexpected orphan state %+v", orphan)
	}
	if tracked.Status != status.Running {
		t.Errorf("A job with a remote id must be left alone, got %s", tracked.Status)
	}
}

func TestRerun(t *testing.T) {
	t.Parallel()
	l := chain(t)
	for _, j := range l.Jobs() {
		j.Status = status.Completed
		j.FailCount = 1
	}

	n, err := l.Rerun("a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Expected a, b and c to rerun, got %d", n)
	}
	for _, idx := range []int{1, 2, 3} {
		if j := l.At(idx); j.Status != status.Waiting || j.FailCount != 0 {
			t.Errorf("%s not reset: %s/%d", j.Name, j.Status, j.FailCount)
		}
	}
	if l.At(0).Status != status.Completed || l.At(4).Status != status.Completed {
		t.Error("Ancestors and siblings must keep their status")
	}
}

func TestRerun_SectionRange(t *testing.T) {
	t.Parallel()
	l := mustGenerate(t, twoSectionExperiment)
	for _, j := range l.Jobs() {
		j.Status = status.Completed
	}

	// POST:3 has no children, so exactly the four POST chunk 3 jobs rerun.
	n, err := l.Rerun("POST:3")
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("Expected 4 jobs, got %d", n)
	}

	// SIM:2-3 pulls in the matching POST descendants.
	n, err = l.Rerun("SIM:2-3")
	if err != nil {
		t.Fatal(err)
	}
	if n != 16 {
		t.Errorf("Expected 16 jobs, got %d", n)
	}
	if mustGet(t, l, "t000_20000101_fc0_1_SIM").Status != status.Completed {
		t.Error("SIM chunk 1 must not rerun")
	}

	for _, bad := range []string{"", "NOPE", "SIM:x", "SIM:3-1"} {
		if _, err := l.Rerun(bad); !errors.Is(err, apperrors.ErrConfiguration) {
			t.Errorf("Rerun(%q) expected configuration error, got %v", bad, err)
		}
	}
}

func TestSetStatus(t *testing.T) {
	t.Parallel()
	l := chain(t)
	var events int
	l.Observe(func(Change) { events++ })

	n, err := l.SetStatus([]string{"root", "a"}, status.Completed)
	if err != nil || n != 2 || events != 2 {
		t.Fatalf("SetStatus = %d, %v with %d events", n, err, events)
	}
	if _, err := l.SetStatus([]string{"root", "ghost"}, status.Failed); !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("Expected configuration error for unknown job, got %v", err)
	}
	if l.At(0).Status != status.Completed {
		t.Error("A rejected override must not change any job")
	}
}

func TestPackages(t *testing.T) {
	t.Parallel()
	l := chain(t)
	for _, idx := range []int{1, 4} {
		l.At(idx).Status = status.Submitted
		l.At(idx).Packed = true
	}

	err := l.AddPackage(PackageRecord{Name: "x000_ASThread_1_2_2", Platform: "local", Wrapper: config.WrapperHorizontal, RemoteID: 9, Members: []string{"a", "d"}})
	if err != nil {
		t.Fatal(err)
	}
	if l.At(1).ID != 9 || l.At(4).Package != "x000_ASThread_1_2_2" {
		t.Error("Members should carry the package id and name")
	}
	if err := l.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}

	if err := l.AddPackage(PackageRecord{Name: "other", Members: []string{"a"}}); !errors.Is(err, apperrors.ErrDataIntegrity) {
		t.Errorf("A job in an active package must not join another, got %v", err)
	}

	ws := l.Wrappers()
	if len(ws) != 1 || ws[0].Status() != status.Submitted || !ws[0].Active() {
		t.Fatalf("Unexpected wrapper view %+v", ws)
	}

	now := time.Now()
	l.Apply(l.At(1), status.Completed, now)
	l.Apply(l.At(4), status.Completed, now)
	if pruned := l.PrunePackages(); pruned != 1 || len(l.Packages()) != 0 {
		t.Errorf("Expected the finished package to be pruned, pruned %d", pruned)
	}
	if l.At(1).Packed || l.At(4).Packed {
		t.Error("Finished members must not stay packed")
	}
}

func TestDeriveStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		members []status.Status
		want    status.Status
	}{
		{[]status.Status{status.Completed, status.Running}, status.Running},
		{[]status.Status{status.Failed, status.Completed}, status.Failed},
		{[]status.Status{status.Held, status.Queuing}, status.Held},
		{[]status.Status{status.Completed, status.Completed}, status.Completed},
		{[]status.Status{status.Failed, status.Queuing}, status.Queuing},
		{[]status.Status{status.Failed, status.Running}, status.Running},
		{[]status.Status{status.Submitted, status.Queuing}, status.Queuing},
		{[]status.Status{status.Submitted, status.Submitted}, status.Submitted},
		{[]status.Status{status.Completed, status.Submitted}, status.Submitted},
		{nil, status.Unknown},
	}
	for _, tt := range tests {
		if got := DeriveStatus(tt.members); got != tt.want {
			t.Errorf("DeriveStatus(%v) = %s, want %s", tt.members, got, tt.want)
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()
	l := mustGenerate(t, twoSectionExperiment)
	sim := mustGet(t, l, "t000_20000101_fc0_1_SIM")
	sim.Status, sim.ID, sim.FailCount, sim.Packed = status.Running, 11, 2, true
	post := mustGet(t, l, "t000_20000101_fc0_1_POST")
	post.Status, post.Hold = status.Failed, true

	snap := l.Snapshot()

	fresh := mustGenerate(t, twoSectionExperiment)
	if err := fresh.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for i, j := range l.Jobs() {
		got := fresh.At(i)
		if got.Name != j.Name || got.Status != j.Status || got.FailCount != j.FailCount ||
			got.Packed != j.Packed || fresh.PlatformOf(got) != l.PlatformOf(j) || got.Hold != j.Hold || got.ID != j.ID {
			t.Errorf("Round trip mismatch for %s: %+v vs %+v", j.Name, got, j)
		}
	}

	snap.ExpID = "other"
	if err := fresh.Restore(snap); !errors.Is(err, apperrors.ErrDataIntegrity) {
		t.Errorf("Expected integrity error for a foreign snapshot, got %v", err)
	}
}
