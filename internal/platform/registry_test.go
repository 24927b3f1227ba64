package platform_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/config"
	"autosubmit/internal/job"
	"autosubmit/internal/platform"
	"autosubmit/internal/platform/platformtest"
	"autosubmit/pkg/circuitbreaker"
)

func TestRegistry_Get(t *testing.T) {
	t.Parallel()
	r := platform.NewRegistry(circuitbreaker.DefaultConfig())
	r.Register(platformtest.NewStub("local"))
	r.Register(platformtest.NewStub("hpc"))

	if names := r.Names(); len(names) != 2 || names[0] != "hpc" || names[1] != "local" {
		t.Errorf("Unexpected names %v", names)
	}
	if _, err := r.Get("mn5"); !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("Expected configuration error for unknown platform, got %v", err)
	}
}

func TestRegistry_BreakerOpensOnTransientErrors(t *testing.T) {
	t.Parallel()
	r := platform.NewRegistry(circuitbreaker.Config{Threshold: 2, Cooldown: time.Hour})
	stub := platformtest.NewStub("hpc")
	stub.ConnErr = errors.New("connection reset")
	r.Register(stub)

	ctx := context.Background()
	call := func(ctx context.Context, gw platform.Gateway) error {
		return gw.TestConnectivity(ctx)
	}
	for i := 0; i < 2; i++ {
		if err := r.Do(ctx, "hpc", call); err == nil {
			t.Fatal("Expected error")
		}
	}
	if r.BreakerState("hpc") != circuitbreaker.Open {
		t.Fatalf("Expected open breaker, got %s", r.BreakerState("hpc"))
	}

	err := r.Do(ctx, "hpc", call)
	if !errors.Is(err, circuitbreaker.ErrOpen) || !apperrors.IsTransient(err) {
		t.Errorf("Expected transient ErrOpen, got %v", err)
	}

	stub.Set(func(s *platformtest.Stub) { s.ConnErr = nil })
	if err := r.Reconnect(ctx, "hpc"); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if r.BreakerState("hpc") != circuitbreaker.Closed {
		t.Error("Successful reconnect should close the breaker")
	}
}

func TestRegistry_ConfigurationErrorsDoNotTrip(t *testing.T) {
	t.Parallel()
	r := platform.NewRegistry(circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour})
	r.Register(platformtest.NewStub("local"))

	_ = r.Do(context.Background(), "local", func(context.Context, platform.Gateway) error {
		return apperrors.Config("platforms.local", "bad image")
	})
	if r.BreakerState("local") != circuitbreaker.Closed {
		t.Error("Non-transient errors must not open the breaker")
	}
}

func TestRegistry_Ready(t *testing.T) {
	t.Parallel()
	r := platform.NewRegistry(circuitbreaker.DefaultConfig())
	stub := platformtest.NewStub("local")
	r.Register(stub)

	if err := r.Ready(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	stub.Set(func(s *platformtest.Stub) { s.ConnErr = errors.New("daemon down") })
	if err := r.Ready(context.Background()); err == nil {
		t.Error("Expected readiness failure")
	}
}

func TestPackage(t *testing.T) {
	t.Parallel()
	p := &platform.Package{Jobs: []*job.Job{{Name: "a"}, {Name: "b"}}}
	if !p.Wrapped() {
		t.Error("Two jobs form a wrapper")
	}
	if names := p.JobNames(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Unexpected names %v", names)
	}
}

func TestRegistry_CancelledTrialReleasesBreaker(t *testing.T) {
	t.Parallel()
	r := platform.NewRegistry(circuitbreaker.Config{Threshold: 1, Cooldown: 10 * time.Millisecond})
	r.Register(platformtest.NewStub("hpc"))
	ctx := context.Background()

	_ = r.Do(ctx, "hpc", func(context.Context, platform.Gateway) error {
		return apperrors.Connection("hpc", errors.New("connection reset"))
	})
	time.Sleep(20 * time.Millisecond)

	// The half-open trial is cancelled: it must not hold the breaker.
	_ = r.Do(ctx, "hpc", func(context.Context, platform.Gateway) error {
		return apperrors.Connection("hpc", context.Canceled)
	})
	called := false
	err := r.Do(ctx, "hpc", func(context.Context, platform.Gateway) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("Expected a new trial after cancellation, got %v (called=%v)", err, called)
	}
	if r.BreakerState("hpc") != circuitbreaker.Closed {
		t.Errorf("Expected closed breaker, got %s", r.BreakerState("hpc"))
	}
}

func member(name, date, mem string, chunk int) *job.Job {
	return &job.Job{Name: name, Date: date, Member: mem, Chunk: chunk}
}

func stageNames(stages []platform.Stage) [][]string {
	out := make([][]string, len(stages))
	for i, st := range stages {
		for _, ch := range st {
			names := make([]string, len(ch))
			for k, j := range ch {
				names[k] = j.Name
			}
			out[i] = append(out[i], strings.Join(names, ">"))
		}
	}
	return out
}

func TestPackage_Stages(t *testing.T) {
	t.Parallel()
	jobs := []*job.Job{
		member("d1m1c1", "19900101", "fc0", 1),
		member("d1m1c2", "19900101", "fc0", 2),
		member("d1m2c1", "19900101", "fc1", 1),
		member("d1m2c2", "19900101", "fc1", 2),
	}
	tests := []struct {
		wrapper    string
		want       [][]string
		sequential bool
	}{
		{config.WrapperVertical, [][]string{{"d1m1c1>d1m1c2>d1m2c1>d1m2c2"}}, true},
		{config.WrapperHorizontal, [][]string{{"d1m1c1", "d1m1c2", "d1m2c1", "d1m2c2"}}, false},
		{config.WrapperVerticalHorizontal, [][]string{{"d1m1c1>d1m1c2", "d1m2c1>d1m2c2"}}, true},
		{config.WrapperHorizontalVertical, [][]string{{"d1m1c1", "d1m2c1"}, {"d1m1c2", "d1m2c2"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.wrapper, func(t *testing.T) {
			t.Parallel()
			p := &platform.Package{Wrapper: tt.wrapper, Jobs: jobs}
			got := stageNames(p.Stages())
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Stages() = %v, want %v", got, tt.want)
			}
			if p.Sequential() != tt.sequential {
				t.Errorf("Sequential() = %v, want %v", p.Sequential(), tt.sequential)
			}
		})
	}

	single := &platform.Package{Wrapper: config.WrapperVertical, Jobs: jobs[:1]}
	if single.Sequential() {
		t.Error("A single job is never sequential")
	}
}

func TestPackage_StagesHorizontalVerticalDependency(t *testing.T) {
	t.Parallel()
	list := job.New("t000", "local")
	simA := list.Add(member("simA", "20000101", "fc0", 1))
	postA := list.Add(member("postA", "20000101", "fc0", 1))
	simB := list.Add(member("simB", "20000101", "fc1", 1))
	postB := list.Add(member("postB", "20000101", "fc1", 1))
	next := list.Add(member("simA2", "20000101", "fc0", 2))
	list.Link(simA, postA, "")
	list.Link(simB, postB, "")
	list.Link(postA, next, "")

	p := &platform.Package{Wrapper: config.WrapperHorizontalVertical, Jobs: []*job.Job{
		list.At(simA), list.At(postA), list.At(simB), list.At(postB), list.At(next),
	}}
	want := [][]string{{"simA", "simB"}, {"postA", "postB"}, {"simA2"}}
	if got := stageNames(p.Stages()); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Stages() = %v, want %v", got, want)
	}
}
