package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueEventsChannel is the Redis channel carrying encoding queue events.
	QueueEventsChannel = "encoding:events"
	eventTTL           = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Source string          `json:"source,omitempty"`
	At     int64           `json:"at"`
}

// RedisPubSub bridges queue events through Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	source string
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge. source identifies this instance in published events.
func NewRedisPubSub(client *redis.Client, source string, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, source: source, logger: logger}
}

// PublishQueueEvent publishes an event to the shared channel.
func (r *RedisPubSub) PublishQueueEvent(ctx context.Context, event string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Event: event, Data: payload, Source: r.source, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, QueueEventsChannel, body).Err()
}

// SubscribeQueueEvents subscribes to the shared channel and calls handler for each message.
// Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeQueueEvents(ctx context.Context, handler func(event string, payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, QueueEventsChannel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("drop malformed queue event", zap.Error(err))
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return cancelCtx, nil
}
