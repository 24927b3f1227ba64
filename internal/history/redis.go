package history

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// streamClient is the part of *redis.Client the sink uses.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisSink appends entries to a Redis stream.
type RedisSink struct {
	client streamClient
	stream string
	maxLen int64
}

// NewRedis connects to the server at url (redis://...) and writes to stream.
// The stream is capped near maxLen entries; 0 keeps everything.
func NewRedis(url, stream string, maxLen int) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisSink{client: redis.NewClient(opts), stream: stream, maxLen: int64(maxLen)}, nil
}

func (r *RedisSink) Record(ctx context.Context, e Entry) error {
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"expid":      e.ExpID,
			"run_id":     e.RunID,
			"job":        e.Job,
			"section":    e.Section,
			"prev":       e.Prev.String(),
			"status":     e.Status.String(),
			"fail_count": e.FailCount,
			"remote_id":  e.RemoteID,
			"platform":   e.Platform,
			"package":    e.Package,
			"time":       e.Time.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

func (r *RedisSink) Close(context.Context) error {
	return r.client.Close()
}
