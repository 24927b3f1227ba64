package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg.Threshold != 5 {
		t.Errorf("Expected Threshold 5, got %d", cfg.Threshold)
	}
	if cfg.Cooldown != 30*time.Second {
		t.Errorf("Expected Cooldown 30s, got %v", cfg.Cooldown)
	}
}

func TestNew_WithZeroValues(t *testing.T) {
	t.Parallel()
	b := New(Config{})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Error("Expected closed state after 4 failures (default threshold is 5)")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Error("Expected open state after 5 failures")
	}
}

func TestBreaker_Lifecycle(t *testing.T) {
	t.Parallel()
	c := newClock()
	b := New(Config{Threshold: 2, Cooldown: time.Minute, Now: c.Now})

	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("Expected closed breaker to allow below threshold")
	}
	b.RecordFailure()
	if b.State() != Open || b.Allow() {
		t.Fatal("Expected breaker to open at threshold")
	}

	c.Advance(30 * time.Second)
	if b.Allow() {
		t.Error("Expected open breaker to reject before cooldown")
	}

	c.Advance(31 * time.Second)
	if !b.Allow() || b.State() != HalfOpen {
		t.Fatalf("Expected half-open after cooldown, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("Expected failed trial to reopen, got %s", b.State())
	}

	c.Advance(2 * time.Minute)
	b.Allow()
	b.RecordSuccess()
	if b.State() != Closed || b.Failures() != 0 {
		t.Errorf("Expected successful trial to close, got %s with %d failures", b.State(), b.Failures())
	}
}

func TestBreaker_Do(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1, Cooldown: time.Hour})
	boom := errors.New("boom")

	if err := b.Do(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Expected fn error, got %v", err)
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("Expected ErrOpen without calling fn, got %v (called=%v)", err, called)
	}
}

func TestBreaker_OnChange(t *testing.T) {
	t.Parallel()
	var transitions []string
	b := New(Config{
		Threshold: 1,
		Cooldown:  time.Hour,
		OnChange: func(from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	b.RecordFailure()
	b.RecordFailure()
	b.Reset()

	want := []string{"closed>open", "open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("Expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_StateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state    State
		expected string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestBreaker_SingleTrial(t *testing.T) {
	t.Parallel()
	c := newClock()
	b := New(Config{Threshold: 1, Cooldown: time.Minute, Now: c.Now})
	b.RecordFailure()
	c.Advance(2 * time.Minute)

	if !b.Allow() {
		t.Fatal("Expected the first caller after cooldown to be let through")
	}
	if b.Allow() {
		t.Error("Expected a second caller to wait for the trial outcome")
	}

	b.Abandon()
	if b.State() != HalfOpen {
		t.Errorf("Abandon should keep the state, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("Expected a new trial after the previous one was abandoned")
	}
	b.RecordSuccess()
	if !b.Allow() || !b.Allow() {
		t.Error("Expected a closed breaker to let every caller through")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 2, Cooldown: time.Hour})

	a := r.Get("hpc")
	if r.Get("hpc") != a {
		t.Fatal("Expected same breaker for same key")
	}
	if r.Get("local") == a {
		t.Fatal("Expected different breaker for different key")
	}

	a.RecordFailure()
	a.RecordFailure()

	states := r.States()
	if len(states) != 2 || states["hpc"] != Open || states["local"] != Closed {
		t.Errorf("Unexpected states %v", states)
	}
	if open := r.Open(); len(open) != 1 || open[0] != "hpc" {
		t.Errorf("Expected hpc open, got %v", open)
	}
}

func TestRegistry_Listener(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got []string
	var base int
	r := NewRegistry(Config{
		Threshold: 1,
		Cooldown:  time.Hour,
		OnChange:  func(from, to State) { base++ },
	}, func(key string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, key+":"+to.String())
	})

	r.Get("mn5").RecordFailure()
	r.Get("local").RecordSuccess()
	r.Get("mn5").Reset()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "mn5:open" || got[1] != "mn5:closed" {
		t.Errorf("Unexpected transitions %v", got)
	}
	if base != 2 {
		t.Errorf("Expected the config callback to keep firing, got %d calls", base)
	}
}
