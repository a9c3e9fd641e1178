package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/skoglund/auctiond/internal/config"
)

// channelPrefix namespaces the bus on a shared Redis instance. One Redis
// channel per room preserves per-room publish order.
const channelPrefix = "auction_events:"

// RedisBus is a Bus backed by Redis Pub/Sub, for deployments where the
// gateway replicas are separate from the instance committing bids.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisBus{client: client, logger: logger}, nil
}

// Publish sends e to the Redis channel for its room.
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+e.Room, payload).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Subscribe pattern-subscribes to every room channel and decodes envelopes
// onto the returned channel until cancel is called or ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribing to redis: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(out)
		src := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					b.logger.WarnContext(ctx, "dropping malformed event payload",
						slog.String("channel", msg.Channel),
						slog.Any("error", err),
					)
					continue
				}
				select {
				case out <- e:
				default:
					// Consumer too slow; drop.
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

// Ping checks the Redis connection health.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
