package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannel = "llmgate:invalidation"

// RedisBus is a Bus backed by Redis PUBLISH/SUBSCRIBE. Plain pub/sub
// rather than Streams: subscribers never replay missed events after a
// reconnect (staleness is bounded by the cache TTL instead), so
// consumer-group bookkeeping would buy nothing here.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

// NewRedisBus constructs a bus over an existing Redis client.
func NewRedisBus(client *redis.Client, log *zap.Logger) *RedisBus {
	return &RedisBus{client: client, channel: defaultChannel, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Subscribe blocks, redelivering events to handler until ctx is canceled.
// On a dropped connection it logs and reconnects with bounded backoff
// rather than returning an error that would take the process down.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(Event)) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pubsub := b.client.Subscribe(ctx, b.channel)
		ch := pubsub.Channel()

		backoff = time.Second
	consume:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return ctx.Err()
			case msg, ok := <-ch:
				if !ok {
					break consume
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("bus: dropping malformed invalidation event", zap.Error(err))
					continue
				}
				handler(ev)
			}
		}
		_ = pubsub.Close()

		b.log.Warn("bus: subscription lost, reconnecting", zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

var _ Bus = (*RedisBus)(nil)
