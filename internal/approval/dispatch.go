package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// LogDispatcher records approved actions in the log and performs no other
// side effect. It is the default when no queue is configured.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, action Action) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "action dispatched",
		"action_id", action.ID,
		"trace_id", action.TraceID,
		"platform", action.Platform,
		"action_type", action.Type,
	)
	return nil
}

// DefaultDispatchStream is the Redis stream approved actions are appended to.
const DefaultDispatchStream = "safegate:dispatch"

// RedisDispatcher appends approved actions to a Redis stream for channel
// workers to deliver.
type RedisDispatcher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisDispatcher creates a dispatcher writing to stream (the default
// stream when empty), trimmed to roughly maxLen entries when maxLen > 0.
func NewRedisDispatcher(client *redis.Client, stream string, maxLen int64) *RedisDispatcher {
	if stream == "" {
		stream = DefaultDispatchStream
	}
	return &RedisDispatcher{client: client, stream: stream, maxLen: maxLen}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, action Action) error {
	args := &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]interface{}{
			"action_id":   action.ID,
			"trace_id":    action.TraceID,
			"action_type": action.Type,
			"platform":    action.Platform,
			"recipient":   action.Recipient,
			"content":     action.Content,
			"approved_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if d.maxLen > 0 {
		args.MaxLen = d.maxLen
		args.Approx = true
	}
	if err := d.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("approval: enqueue %s: %w", action.ID, err)
	}
	return nil
}
