package dispatcher

import (
	"context"
	"hash/fnv"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"autosubmit/pkg/backoff"
	"autosubmit/pkg/circuitbreaker"
	"autosubmit/pkg/cloudevent"
)

// MemoryDispatcher delivers events from bounded in-memory lanes, one worker
// per lane. Events are routed to a lane by subject, so the transitions of a
// single job reach the receiver in the order they happened. When a lane is
// full the event is dropped.
type MemoryDispatcher struct {
	lanes    []chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory starts cfg.Workers lanes sharing cfg.BufferSize slots.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	perLane := max(cfg.BufferSize/cfg.Workers, 1)
	d := &MemoryDispatcher{
		lanes:    make([]chan *Event, cfg.Workers),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(cfg.Breaker),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	d.wg.Add(len(d.lanes))
	for i := range d.lanes {
		d.lanes[i] = make(chan *Event, perLane)
		go d.run(d.lanes[i])
	}
	if metrics != nil {
		go d.reportDepth()
	}

	d.logger.Info("Dispatcher started", "lanes", len(d.lanes), "laneBuffer", perLane)
	return d
}

// lane picks the lane of an event by hashing its ordering key.
func (d *MemoryDispatcher) lane(event *Event) chan *Event {
	if len(d.lanes) == 1 {
		return d.lanes[0]
	}
	h := fnv.New32a()
	h.Write([]byte(event.orderKey()))
	return d.lanes[h.Sum32()%uint32(len(d.lanes))]
}

func (d *MemoryDispatcher) depth() int {
	n := 0
	for _, l := range d.lanes {
		n += len(l)
	}
	return n
}

func (d *MemoryDispatcher) reportDepth() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(d.depth()))
		}
	}
}

// Dispatch queues an event without blocking.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.lane(event) <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	return Stats{
		QueueDepth:    d.depth(),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: len(d.breakers.States()),
		BreakersOpen:  len(d.breakers.Open()),
	}
}

// Close stops accepting events and delivers what is queued until ctx ends.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Info("Dispatcher shutting down", "queued", d.depth())
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher stopped",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", d.depth())
		return ctx.Err()
	}
}

// run serves one lane. On shutdown it drains what is left without waiting
// for new events.
func (d *MemoryDispatcher) run(lane chan *Event) {
	defer d.wg.Done()
	for {
		select {
		case event := <-lane:
			d.deliver(event)
		case <-d.shutdown:
			for {
				select {
				case event := <-lane:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	key := breakerKey(event.Destination)
	breaker := d.breakers.Get(key)
	if !breaker.Allow() {
		d.requeue(event, key)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.deliveryBudget())
	defer cancel()

	start := time.Now()
	err := d.sendWithRetry(ctx, event)
	if err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed",
			"destination", key,
			"type", event.Payload.Type,
			"subject", event.Payload.Subject,
			"error", err,
		)
		return
	}
	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// deliveryBudget bounds one event across all of its attempts.
func (d *MemoryDispatcher) deliveryBudget() time.Duration {
	attempts := time.Duration(d.config.Retry.MaxRetries + 1)
	return attempts*d.config.HTTPTimeout + time.Duration(d.config.Retry.MaxRetries)*d.config.Retry.Ceiling()
}

// requeue sends an event back to its lane once the breaker cooldown passed.
// During shutdown it is dropped so Close never waits on an open circuit.
func (d *MemoryDispatcher) requeue(event *Event, key string) {
	if event.requeues >= d.config.MaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}
	select {
	case <-d.shutdown:
		d.drop(event, "circuit open during shutdown")
		return
	default:
	}

	event.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	go func() {
		t := time.NewTimer(d.config.Breaker.Cooldown)
		defer t.Stop()
		select {
		case <-d.shutdown:
			d.drop(event, "circuit open during shutdown")
			return
		case <-t.C:
		}
		select {
		case d.lane(event) <- event:
			d.logger.Debug("Event requeued", "destination", key, "type", event.Payload.Type, "requeues", event.requeues)
		default:
			d.drop(event, "buffer full on requeue")
		}
	}()
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Event dropped",
		"reason", reason,
		"destination", breakerKey(event.Destination),
		"type", event.Payload.Type,
		"subject", event.Payload.Subject,
	)
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}
	policy := d.config.Retry

	var lastErr error
	for attempt := 0; !policy.Exhausted(attempt); attempt++ {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if err := d.pause(ctx, attempt, lastErr); err != nil {
				return err
			}
		}

		lastErr = d.sender.Send(ctx, event.Destination, event.Payload, opts)
		if lastErr == nil || cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// pause waits before attempt. A Retry-After from the receiver wins over the
// policy delay as long as it stays under the policy ceiling.
func (d *MemoryDispatcher) pause(ctx context.Context, attempt int, lastErr error) error {
	wait := cloudevent.RetryAfter(lastErr)
	if wait <= 0 || wait > d.config.Retry.Ceiling() {
		return d.config.Retry.Wait(ctx, attempt)
	}
	return backoff.Sleep(ctx, wait)
}

// breakerKey groups destinations by scheme and host so one unreachable
// receiver opens a single circuit whatever the path.
func breakerKey(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Scheme + "://" + strings.ToLower(parsed.Host)
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
