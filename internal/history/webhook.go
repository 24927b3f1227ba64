package history

import (
	"context"

	"autosubmit/internal/dispatcher"
	"autosubmit/pkg/cloudevent"
)

// WebhookSink publishes entries as CloudEvents through a dispatcher.
type WebhookSink struct {
	dispatcher  dispatcher.Dispatcher
	destination string
	signingKey  string
}

// NewWebhook creates a sink posting to url, signing payloads when key is set.
func NewWebhook(d dispatcher.Dispatcher, url, key string) *WebhookSink {
	return &WebhookSink{dispatcher: d, destination: url, signingKey: key}
}

// Record queues the entry. Delivery happens in the background; only a full
// buffer or a closed dispatcher is reported here.
func (w *WebhookSink) Record(_ context.Context, e Entry) error {
	event := cloudevent.New(cloudevent.TypeJobStatusChanged, cloudevent.Source(e.ExpID), e.Job, "", map[string]any{
		"run_id":     e.RunID,
		"section":    e.Section,
		"prev":       e.Prev.String(),
		"status":     e.Status.String(),
		"fail_count": e.FailCount,
		"remote_id":  e.RemoteID,
		"platform":   e.Platform,
		"package":    e.Package,
	})
	event.Time = e.Time.UTC()
	return w.dispatch(event)
}

// RecordRun queues a run started or run finished event. Run events carry
// no subject.
func (w *WebhookSink) RecordRun(_ context.Context, e RunEvent) error {
	typ, data := cloudevent.TypeRunStarted, map[string]any{"run_id": e.RunID}
	if e.Finished {
		typ = cloudevent.TypeRunFinished
		data["outcome"] = e.Outcome
	}
	event := cloudevent.New(typ, cloudevent.Source(e.ExpID), "", "", data)
	event.Time = e.Time.UTC()
	return w.dispatch(event)
}

func (w *WebhookSink) dispatch(event *cloudevent.CloudEvent) error {
	return w.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: w.destination,
		SigningKey:  w.signingKey,
	})
}

func (w *WebhookSink) Close(ctx context.Context) error {
	return w.dispatcher.Close(ctx)
}
