// ABOUTME: Redis pub/sub relay that fans invalidations out to every gateway node
// ABOUTME: Local hub is invalidated immediately; peers receive keys over a shared channel

package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is used when no channel is configured.
const DefaultRedisChannel = "coven-chat:invalidations"

// relayMessage is the wire format on the Redis channel.
type relayMessage struct {
	Origin string `json:"origin"`
	Keys   []Key  `json:"keys"`
}

// RedisRelay implements Publisher across processes sharing one Redis.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	logger  *slog.Logger
}

// NewRedisRelay connects to the Redis at url (redis://...) and verifies it with PING.
func NewRedisRelay(ctx context.Context, url, channel string, hub *Hub, logger *slog.Logger) (*RedisRelay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		hub:     hub,
		logger:  logger.With("component", "live-relay"),
	}, nil
}

// Publish invalidates the local hub and forwards keys to peers. A Redis
// failure is returned after the local invalidation has already happened.
func (r *RedisRelay) Publish(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	r.hub.Invalidate(keys...)

	payload, err := json.Marshal(relayMessage{Origin: r.origin, Keys: keys})
	if err != nil {
		return fmt.Errorf("encoding invalidation: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

// Run consumes peer invalidations until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting ready
	if _, err := pubsub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("redis: subscribe: %w", err)
	}
	r.logger.Info("relay subscribed", "channel", r.channel, "origin", r.origin)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

// handle applies one peer message to the local hub.
func (r *RedisRelay) handle(payload string) {
	var m relayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		r.logger.Warn("dropping malformed invalidation", "error", err)
		return
	}
	if m.Origin == r.origin {
		return
	}
	r.hub.Invalidate(m.Keys...)
}

// Close releases the Redis client.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}

// Ping checks that Redis is reachable.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
