// Package dispatcher delivers job history events to webhook endpoints
// asynchronously so a slow receiver never stalls the run loop.
package dispatcher

import (
	"context"
	"errors"

	"autosubmit/pkg/cloudevent"
)

var (
	// ErrBufferFull means the event's lane had no room and the event was dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher queues events and delivers them in the background.
type Dispatcher interface {
	// Dispatch never blocks. Events sharing an ordering key are delivered
	// in the order they were dispatched.
	Dispatch(event *Event) error
	Stats() Stats
	// Close stops intake and delivers what is queued until ctx ends.
	Close(ctx context.Context) error
}

// Event pairs a CloudEvent with the webhook that should receive it.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string
	// SigningKey signs the body when set.
	SigningKey string

	requeues int
}

// orderKey is the job an event is about. Run-level events carry no subject
// and are ordered per destination instead.
func (e *Event) orderKey() string {
	if e.Payload != nil && e.Payload.Subject != "" {
		return e.Payload.Subject
	}
	return e.Destination
}

// Stats is a point-in-time view of the dispatcher counters.
type Stats struct {
	QueueDepth int // across all lanes

	Queued       int64
	Delivered    int64
	Failed       int64 // retries exhausted or rejected by the receiver
	Dropped      int64 // lane full or too many requeues
	Requeued     int64 // held back while a destination's circuit was open
	RetriesTotal int64

	BreakersTotal int // destinations seen
	BreakersOpen  int // destinations currently rejected
}
