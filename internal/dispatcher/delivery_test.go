package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"autosubmit/pkg/backoff"
	"autosubmit/pkg/cloudevent"
)

func TestBreakerKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		rawURL string
		want   string
	}{
		{"path ignored", "http://hooks.internal:8080/autosubmit/a000", "http://hooks.internal:8080"},
		{"query ignored", "https://hooks.internal/events?exp=a000", "https://hooks.internal"},
		{"host case folded", "https://Hooks.Internal/x", "https://hooks.internal"},
		{"scheme kept apart", "http://hooks.internal/x", "http://hooks.internal"},
		{"unparsable kept", "://broken", "://broken"},
		{"no host kept", "/relative/path", "/relative/path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := breakerKey(tt.rawURL); got != tt.want {
				t.Errorf("breakerKey(%q) = %q, want %q", tt.rawURL, got, tt.want)
			}
		})
	}
}

// throttledOnce answers 429 with retryAfter on the first request and 200 after.
func throttledOnce(t *testing.T, retryAfter string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestSendWithRetry_RetryAfter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		retryAfter string
		minElapsed time.Duration
		maxElapsed time.Duration
	}{
		{"honoured under ceiling", "1", 900 * time.Millisecond, 5 * time.Second},
		{"over ceiling uses policy", "60", 0, 900 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server, calls := throttledOnce(t, tt.retryAfter)
			d := NewMemory(MemoryConfig{
				Workers:     1,
				HTTPTimeout: time.Second,
				Retry:       backoff.Policy{Base: time.Millisecond, Max: 2 * time.Second, MaxRetries: 2},
			}, nil)
			defer closeDispatcher(t, d)

			start := time.Now()
			err := d.sendWithRetry(context.Background(), &Event{Payload: statusEvent("evt-1"), Destination: server.URL})
			elapsed := time.Since(start)
			if err != nil {
				t.Fatalf("sendWithRetry: %v", err)
			}
			if calls.Load() != 2 {
				t.Errorf("Expected 2 attempts, got %d", calls.Load())
			}
			if elapsed < tt.minElapsed || elapsed > tt.maxElapsed {
				t.Errorf("Elapsed %s outside [%s, %s]", elapsed, tt.minElapsed, tt.maxElapsed)
			}
		})
	}
}

func TestSendWithRetry_ClientErrorStops(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{Workers: 1, Retry: backoff.Policy{Base: time.Millisecond, MaxRetries: 5}}, nil)
	defer closeDispatcher(t, d)

	if err := d.sendWithRetry(context.Background(), &Event{Payload: statusEvent(""), Destination: server.URL}); err == nil {
		t.Fatal("Expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("A 4xx answer should not be retried, got %d attempts", calls.Load())
	}
}

func TestEvent_OrderKey(t *testing.T) {
	t.Parallel()
	runEvent := cloudevent.New(cloudevent.TypeRunFinished, cloudevent.Source("a000"), "", "", nil)
	tests := []struct {
		name  string
		event *Event
		want  string
	}{
		{"job subject", &Event{Payload: statusEvent(""), Destination: "http://hooks"}, "a000_19900101_fc0_1_SIM"},
		{"run event", &Event{Payload: runEvent, Destination: "http://hooks"}, "http://hooks"},
		{"no payload", &Event{Destination: "http://hooks"}, "http://hooks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.event.orderKey(); got != tt.want {
				t.Errorf("orderKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
