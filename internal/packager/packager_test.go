package packager

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"autosubmit/internal/config"
	"autosubmit/internal/job"
	"autosubmit/internal/platform"
	"autosubmit/internal/platform/platformtest"
	"autosubmit/internal/status"
)

const baseExperiment = `
expid = "t000"
dates = ["20000101", "20000201"]
members = ["fc0", "fc1"]
num_chunks = 3

[platforms.local]
type = "docker"
%LIMITS%

[sections.SIM]
running = "chunk"
dependencies = ["SIM-1"]
wallclock = "01:00"
processors = 4

[sections.POST]
running = "chunk"
dependencies = ["SIM"]
processors = 1
`

// setup parses the experiment, generates the graph and promotes the
// first chunk of SIM to READY.
func setup(t *testing.T, limits, wrappers string) (*Packager, *job.List) {
	t.Helper()
	src := strings.Replace(baseExperiment, "%LIMITS%", limits, 1) + wrappers
	exp, err := config.ParseExperiment([]byte(src))
	if err != nil {
		t.Fatalf("ParseExperiment: %v", err)
	}
	list, err := job.Generate(exp)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	list.UpdateList(true)

	p := New(exp)
	p.newID = func() string { return "x" }
	return p, list
}

func sizes(pkgs []*platform.Package) []int {
	out := make([]int, len(pkgs))
	for i, p := range pkgs {
		out[i] = len(p.Jobs)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBuild_Singles(t *testing.T) {
	t.Parallel()
	p, list := setup(t, "", "")
	stub := platformtest.NewStub("local")

	pkgs := p.Build(context.Background(), list, stub, false)
	if got := sizes(pkgs); !equalInts(got, []int{1, 1, 1, 1}) {
		t.Fatalf("Expected four single packages, got %v", got)
	}
	for _, pkg := range pkgs {
		j := pkg.Jobs[0]
		if pkg.Name != j.Name || pkg.Wrapper != config.WrapperNone {
			t.Errorf("Unexpected single package %s (%s)", pkg.Name, pkg.Wrapper)
		}
		if !j.Packed || j.Section != "SIM" || j.Chunk != 1 {
			t.Errorf("Unexpected member %s packed=%v", j.Name, j.Packed)
		}
		if pkg.Processors != 4 || pkg.Wallclock != time.Hour {
			t.Errorf("Resources = %d/%v, want 4/1h", pkg.Processors, pkg.Wallclock)
		}
	}

	if again := p.Build(context.Background(), list, stub, false); len(again) != 0 {
		t.Errorf("Packed jobs must not be packaged twice, got %v", sizes(again))
	}
}

func TestBuild_Capacity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		limits   string
		reported platform.Capacity
		want     int
	}{
		{"unlimited", "", platform.Capacity{}, 4},
		{"configured total", "total_jobs = 2", platform.Capacity{}, 2},
		{"configured waiting", "max_waiting_jobs = 3", platform.Capacity{}, 3},
		{"reported total", "", platform.Capacity{TotalJobs: 1}, 1},
		{"tighter wins", "total_jobs = 3", platform.Capacity{TotalJobs: 10, MaxWaitingJobs: 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, list := setup(t, tt.limits, "")
			stub := platformtest.NewStub("local")
			stub.Limits = tt.reported

			pkgs := p.Build(context.Background(), list, stub, false)
			if len(pkgs) != tt.want {
				t.Errorf("Expected %d packages, got %d", tt.want, len(pkgs))
			}
			packed := 0
			for _, j := range list.Jobs() {
				if j.Packed {
					packed++
				}
			}
			if packed != tt.want {
				t.Errorf("Expected %d packed jobs, got %d", tt.want, packed)
			}
		})
	}
}

func TestBuild_InQueueCountsAgainstCapacity(t *testing.T) {
	t.Parallel()
	p, list := setup(t, "total_jobs = 3", "")
	j, _ := list.Get("t000_20000101_fc0_1_SIM")
	list.Apply(j, status.Submitted, time.Now())
	j.ID = 7

	pkgs := p.Build(context.Background(), list, platformtest.NewStub("local"), false)
	if len(pkgs) != 2 {
		t.Errorf("Expected 2 packages with one job in queue, got %d", len(pkgs))
	}
}

func TestBuild_CapacityError(t *testing.T) {
	t.Parallel()
	p, list := setup(t, "", "")
	stub := platformtest.NewStub("local")
	stub.CapacityErr = errors.New("scheduler unreachable")

	if pkgs := p.Build(context.Background(), list, stub, false); pkgs != nil {
		t.Errorf("Expected no packages, got %v", sizes(pkgs))
	}
	for _, j := range list.Jobs() {
		if j.Packed {
			t.Errorf("%s must not be packed", j.Name)
		}
	}
}

func TestBuild_Hold(t *testing.T) {
	t.Parallel()
	p, list := setup(t, "", "")
	j, _ := list.Get("t000_20000101_fc0_1_SIM")
	j.Hold = true
	stub := platformtest.NewStub("local")

	if pkgs := p.Build(context.Background(), list, stub, false); len(pkgs) != 3 {
		t.Errorf("Expected 3 unheld packages, got %d", len(pkgs))
	}
	held := p.Build(context.Background(), list, stub, true)
	if len(held) != 1 || held[0].Jobs[0] != j {
		t.Fatalf("Expected the held job alone, got %v", sizes(held))
	}
	if !held[0].Hold {
		t.Error("Held package should be submitted held")
	}
}

func TestBuild_Vertical(t *testing.T) {
	t.Parallel()
	p, list := setup(t, "", `
[wrappers.sims]
type = "vertical"
sections = ["SIM"]
`)
	pkgs := p.Build(context.Background(), list, platformtest.NewStub("local"), false)
	if got := sizes(pkgs); !equalInts(got, []int{3, 3, 3, 3}) {
		t.Fatalf("Expected four chains of three, got %v", got)
	}

	first := pkgs[0]
	if first.Name != "t000_ASThread_x_4_3" {
		t.Errorf("Unexpected wrapper name %s", first.Name)
	}
	if first.Processors != 4 {
		t.Errorf("Processors = %d, want 4", first.Processors)
	}
	if want := 3*time.Hour + 27*time.Minute; first.Wallclock != want {
		t.Errorf("Wallclock = %v, want %v", first.Wallclock, want)
	}
	for i, j := range first.Jobs {
		if j.Chunk != i+1 || j.Date != first.Jobs[0].Date || j.Member != first.Jobs[0].Member {
			t.Errorf("member %d is %s", i, j.Name)
		}
		if !j.Packed {
			t.Errorf("%s should be packed", j.Name)
		}
	}
}

func TestBuild_VerticalMaxWrapped(t *testing.T) {
	t.Parallel()
	p, list := setup(t, "", `
[wrappers.sims]
type = "vertical"
sections = ["SIM"]
max_wrapped = 2
`)
	pkgs := p.Build(context.Background(), list, platformtest.NewStub("local"), false)
	if got := sizes(pkgs); !equalInts(got, []int{2, 2, 2, 2}) {
		t.Fatalf("Expected four chains of two, got %v", got)
	}
	last, _ := list.Get("t000_20000101_fc0_3_SIM")
	if last.Packed || last.Status != status.Waiting {
		t.Errorf("Chunk 3 should stay WAITING and unpacked, got %s packed=%v", last.Status, last.Packed)
	}
}

func TestBuild_Horizontal(t *testing.T) {
	t.Parallel()
	p, list := setup(t, "", `
[wrappers.sims]
type = "horizontal"
sections = ["SIM"]
`)
	pkgs := p.Build(context.Background(), list, platformtest.NewStub("local"), false)
	if len(pkgs) != 1 || len(pkgs[0].Jobs) != 4 {
		t.Fatalf("Expected one wrapper of four, got %v", sizes(pkgs))
	}
	if pkgs[0].Processors != 16 || pkgs[0].Wallclock != time.Hour {
		t.Errorf("Resources = %d/%v, want 16/1h", pkgs[0].Processors, pkgs[0].Wallclock)
	}
	if pkgs[0].Name != "t000_ASThread_x_16_4" {
		t.Errorf("Unexpected name %s", pkgs[0].Name)
	}
}

func TestBuild_MinWrappedFallback(t *testing.T) {
	t.Parallel()
	p, list := setup(t, "", `
[wrappers.sims]
type = "horizontal"
sections = ["SIM"]
min_wrapped = 5
`)
	pkgs := p.Build(context.Background(), list, platformtest.NewStub("local"), false)
	if got := sizes(pkgs); !equalInts(got, []int{1, 1, 1, 1}) {
		t.Errorf("Expected singles below the minimum, got %v", got)
	}
}

func TestBuild_Hybrid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		wrapper    string
		firstChunk []int
	}{
		{config.WrapperVerticalHorizontal, []int{1, 2, 3, 1}},
		{config.WrapperHorizontalVertical, []int{1, 1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.wrapper, func(t *testing.T) {
			t.Parallel()
			p, list := setup(t, "", `
[wrappers.sims]
type = "`+tt.wrapper+`"
sections = ["SIM"]
`)
			pkgs := p.Build(context.Background(), list, platformtest.NewStub("local"), false)
			if len(pkgs) != 1 || len(pkgs[0].Jobs) != 12 {
				t.Fatalf("Expected one wrapper of twelve, got %v", sizes(pkgs))
			}
			for i, want := range tt.firstChunk {
				if got := pkgs[0].Jobs[i].Chunk; got != want {
					t.Errorf("member %d chunk = %d, want %d", i, got, want)
				}
			}
			if pkgs[0].Processors != 16 {
				t.Errorf("Processors = %d, want 16", pkgs[0].Processors)
			}
		})
	}
}

func TestBuild_TrimToCapacity(t *testing.T) {
	t.Parallel()
	p, list := setup(t, "total_jobs = 2", `
[wrappers.sims]
type = "vertical"
sections = ["SIM"]
`)
	pkgs := p.Build(context.Background(), list, platformtest.NewStub("local"), false)
	if got := sizes(pkgs); !equalInts(got, []int{2}) {
		t.Fatalf("Expected one trimmed chain of two, got %v", got)
	}
	if pkgs[0].Name != "t000_ASThread_x_4_2" {
		t.Errorf("Trimmed wrapper should be renamed, got %s", pkgs[0].Name)
	}
}

func TestBuild_HorizontalVerticalSameChunkDependency(t *testing.T) {
	t.Parallel()
	exp, err := config.ParseExperiment([]byte(`
expid = "t000"
dates = ["20000101"]
members = ["fc0", "fc1"]
num_chunks = 1

[platforms.local]
type = "docker"

[sections.SIM]
running = "chunk"
processors = 4

[sections.POST]
running = "chunk"
dependencies = ["SIM"]
processors = 1

[wrappers.hybrid]
type = "horizontal-vertical"
sections = ["SIM", "POST"]
`))
	if err != nil {
		t.Fatalf("ParseExperiment: %v", err)
	}
	list, err := job.Generate(exp)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	list.UpdateList(true)
	p := New(exp)
	p.newID = func() string { return "x" }

	pkgs := p.Build(context.Background(), list, platformtest.NewStub("local"), false)
	if len(pkgs) != 1 || len(pkgs[0].Jobs) != 4 {
		t.Fatalf("Expected one wrapper of four, got %v", sizes(pkgs))
	}

	stages := pkgs[0].Stages()
	stageOf := make(map[int]int)
	for i, st := range stages {
		for _, ch := range st {
			for _, j := range ch {
				stageOf[j.Index()] = i
			}
		}
	}
	for _, j := range pkgs[0].Jobs {
		for _, e := range j.Parents() {
			if ps, ok := stageOf[e.Parent]; ok && ps >= stageOf[j.Index()] {
				t.Errorf("%s runs in stage %d, not after its parent %s in stage %d",
					j.Name, stageOf[j.Index()], list.At(e.Parent).Name, ps)
			}
		}
	}
	if len(stages) != 2 {
		t.Errorf("Expected SIM and POST stages, got %d", len(stages))
	}
	// SIM 4 + SIM 4 in parallel, then the two POSTs.
	if pkgs[0].Processors != 8 {
		t.Errorf("Processors = %d, want 8", pkgs[0].Processors)
	}
}
