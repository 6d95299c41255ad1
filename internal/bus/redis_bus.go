package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ordermesh/internal/messages"
)

// RedisStreamBusConfig tunes the Redis Streams transport.
type RedisStreamBusConfig struct {
	// StreamPrefix namespaces one stream per message kind.
	StreamPrefix string
	// Group is the consumer group shared by all instances of this service.
	Group string
	// Consumer names this instance within the group.
	Consumer string
	// Block bounds each XREADGROUP wait.
	Block time.Duration
	// ClaimMinIdle is how long a pending message must sit unacked before it
	// is reclaimed for redelivery.
	ClaimMinIdle time.Duration
	// ClaimInterval is how often the reclaim sweep runs.
	ClaimInterval time.Duration
	// MaxDeliveries bounds redelivery; messages past it are acked and dropped.
	MaxDeliveries int64
}

func (c *RedisStreamBusConfig) applyDefaults() {
	if c.StreamPrefix == "" {
		c.StreamPrefix = "ordermesh:"
	}
	if c.Group == "" {
		c.Group = "ordermesh"
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-1"
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 30 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 10 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 10
	}
}

// RedisStreamBus is a Bus backed by Redis Streams with consumer groups.
// Unacked messages are redelivered by the reclaim sweep, giving at-least-once
// delivery across process restarts.
type RedisStreamBus struct {
	client redis.UniversalClient
	cfg    RedisStreamBusConfig
	log    *slog.Logger

	mu       sync.RWMutex
	handlers map[messages.Kind][]Handler
}

// NewRedisStreamBus constructs a Redis Streams bus.
func NewRedisStreamBus(client redis.UniversalClient, cfg RedisStreamBusConfig, log *slog.Logger) *RedisStreamBus {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &RedisStreamBus{
		client:   client,
		cfg:      cfg,
		log:      log,
		handlers: make(map[messages.Kind][]Handler),
	}
}

// Subscribe registers a handler. Subscriptions must be in place before Run.
func (b *RedisStreamBus) Subscribe(kind messages.Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish appends the envelope to the stream for its kind.
func (b *RedisStreamBus) Publish(ctx context.Context, env messages.Envelope) error {
	values, err := envelopeValues(env)
	if err != nil {
		return err
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(env.Kind),
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", env.Kind, err)
	}
	return nil
}

// Run consumes subscribed streams until the context ends.
func (b *RedisStreamBus) Run(ctx context.Context) error {
	kinds := b.subscribedKinds()
	if len(kinds) == 0 {
		return fmt.Errorf("no subscriptions")
	}

	for _, kind := range kinds {
		err := b.client.XGroupCreateMkStream(ctx, b.stream(kind), b.cfg.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group for %s: %w", kind, err)
		}
	}

	streams := make([]string, 0, len(kinds)*2)
	for _, kind := range kinds {
		streams = append(streams, b.stream(kind))
	}
	for range kinds {
		streams = append(streams, ">")
	}

	lastClaim := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  streams,
			Count:    16,
			Block:    b.cfg.Block,
		}).Result()
		switch {
		case err == redis.Nil:
			// No new messages within the block window.
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Error("xreadgroup failed", "error", err)
			if sleepErr := sleepCtx(ctx, time.Second); sleepErr != nil {
				return sleepErr
			}
			continue
		default:
			for _, stream := range res {
				for _, msg := range stream.Messages {
					b.dispatch(ctx, stream.Stream, msg, 1)
				}
			}
		}

		if time.Since(lastClaim) >= b.cfg.ClaimInterval {
			b.reclaim(ctx, kinds)
			lastClaim = time.Now()
		}
	}
}

// reclaim redelivers messages left pending past ClaimMinIdle, e.g. after a
// handler error or a crashed consumer.
func (b *RedisStreamBus) reclaim(ctx context.Context, kinds []messages.Kind) {
	for _, kind := range kinds {
		stream := b.stream(kind)
		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  b.cfg.Group,
			Idle:   b.cfg.ClaimMinIdle,
			Start:  "-",
			End:    "+",
			Count:  64,
		}).Result()
		if err != nil && err != redis.Nil {
			b.log.Error("xpending failed", "stream", stream, "error", err)
			continue
		}

		for _, p := range pending {
			if p.RetryCount > b.cfg.MaxDeliveries {
				b.log.Error("message dropped after redelivery attempts exhausted",
					"stream", stream, "redis_id", p.ID, "deliveries", p.RetryCount)
				b.client.XAck(ctx, stream, b.cfg.Group, p.ID)
				continue
			}
			claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    b.cfg.Group,
				Consumer: b.cfg.Consumer,
				MinIdle:  b.cfg.ClaimMinIdle,
				Messages: []string{p.ID},
			}).Result()
			if err != nil && err != redis.Nil {
				b.log.Error("xclaim failed", "stream", stream, "redis_id", p.ID, "error", err)
				continue
			}
			for _, msg := range claimed {
				b.dispatch(ctx, stream, msg, p.RetryCount)
			}
		}
	}
}

func (b *RedisStreamBus) dispatch(ctx context.Context, stream string, msg redis.XMessage, delivery int64) {
	env, err := envelopeFromValues(msg.Values)
	if err != nil {
		// Malformed entries can never succeed; ack so they stop recycling.
		b.log.Error("malformed stream entry dropped", "stream", stream, "redis_id", msg.ID, "error", err)
		b.client.XAck(ctx, stream, b.cfg.Group, msg.ID)
		return
	}

	b.mu.RLock()
	subs := append([]Handler(nil), b.handlers[env.Kind]...)
	b.mu.RUnlock()

	for _, h := range subs {
		if err := h(ctx, env); err != nil {
			b.log.Warn("handler failed, leaving pending for redelivery",
				"kind", env.Kind,
				"message_id", env.ID,
				"correlation_id", env.CorrelationID,
				"delivery", delivery,
				"error", err,
			)
			return
		}
	}
	b.client.XAck(ctx, stream, b.cfg.Group, msg.ID)
}

func (b *RedisStreamBus) subscribedKinds() []messages.Kind {
	b.mu.RLock()
	defer b.mu.RUnlock()
	kinds := make([]messages.Kind, 0, len(b.handlers))
	for kind := range b.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

func (b *RedisStreamBus) stream(kind messages.Kind) string {
	return b.cfg.StreamPrefix + string(kind)
}

func envelopeValues(env messages.Envelope) (map[string]any, error) {
	if env.ID == "" || env.Kind == "" {
		return nil, fmt.Errorf("envelope missing id or kind")
	}
	return map[string]any{
		"id":             env.ID,
		"kind":           string(env.Kind),
		"correlation_id": env.CorrelationID,
		"occurred_at":    env.OccurredAt.UTC().Format(time.RFC3339Nano),
		"payload":        string(env.Payload),
	}, nil
}

func envelopeFromValues(values map[string]any) (messages.Envelope, error) {
	env := messages.Envelope{
		ID:            stringValue(values["id"]),
		Kind:          messages.Kind(stringValue(values["kind"])),
		CorrelationID: stringValue(values["correlation_id"]),
	}
	if env.ID == "" || env.Kind == "" {
		return messages.Envelope{}, fmt.Errorf("entry missing id or kind")
	}
	if raw := stringValue(values["occurred_at"]); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return messages.Envelope{}, fmt.Errorf("occurred_at: %w", err)
		}
		env.OccurredAt = ts
	}
	env.Payload = json.RawMessage(stringValue(values["payload"]))
	return env, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
