package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher is an EventHandler that publishes events as JSON on a
// Redis Pub/Sub channel, reaching subscribers in every process.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// HandleEvent implements EventHandler.
func (p *RedisPublisher) HandleEvent(ctx context.Context, event *TaskEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe delivers events published on channel to handler until ctx is
// done. Undecodable messages and handler errors are logged and skipped.
func Subscribe(
	ctx context.Context,
	rdb redis.UniversalClient,
	channel string,
	handler EventHandler,
	logger *slog.Logger,
) error {
	sub := rdb.Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be confirmed before consuming.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event TaskEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("dropping undecodable event", "channel", channel, "error", err)
				continue
			}
			if err := handler.HandleEvent(ctx, &event); err != nil {
				logger.Warn("event handler failed",
					"event_id", event.ID,
					"task_id", event.TaskID,
					"error", err)
			}
		}
	}
}
