package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()
	var n atomic.Int64
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(time.Millisecond)
			n.Add(1)
		}
	}()
	if !WaitFor(t, func() bool { return n.Load() == 3 }, WithInterval(time.Millisecond)) {
		t.Error("Expected condition to be met")
	}
}

func TestWaitFor_Timeout(t *testing.T) {
	t.Parallel()
	calls := 0
	ok := WaitFor(t, func() bool { calls++; return false }, WithTimeout(20*time.Millisecond), WithInterval(5*time.Millisecond))
	if ok {
		t.Error("Expected timeout")
	}
	if calls < 2 {
		t.Errorf("Expected the condition to be checked repeatedly, got %d calls", calls)
	}
}

func TestMustReceive(t *testing.T) {
	t.Parallel()
	ch := make(chan error, 1)
	go func() { ch <- nil }()
	if err := MustReceive(t, ch, WithTimeout(time.Second)); err != nil {
		t.Errorf("Unexpected value %v", err)
	}
}
