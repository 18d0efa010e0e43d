package event

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus publishes through Redis pub/sub and mirrors every event into
// an in-memory bus. The mirror is written unconditionally, not just on
// Redis failure, so local pollers behave identically with and without a
// broker; consumers must pick one transport and drain only it.
type RedisBus struct {
	client *redis.Client
	mirror *MemoryBus
	log    *zap.Logger
}

// NewRedisBus wraps a Redis client. A nil mirror gets a fresh MemoryBus.
func NewRedisBus(client *redis.Client, mirror *MemoryBus, log *zap.Logger) *RedisBus {
	if mirror == nil {
		mirror = NewMemoryBus()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{client: client, mirror: mirror, log: log}
}

// Mirror exposes the in-memory side for polling consumers.
func (b *RedisBus) Mirror() *MemoryBus { return b.mirror }

// Publish sends to Redis and always writes the mirror. A Redis failure
// is logged, not returned: the mirror copy keeps local consumers fed and
// event delivery must never fail a run.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if err := b.mirror.Publish(ctx, ev); err != nil {
		return err
	}
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("event: marshal: %w", err)
	}
	if err := b.client.Publish(ctx, ChannelFor(ev.RunID), data).Err(); err != nil {
		b.log.Warn("redis publish failed, mirror retains the event",
			zap.String("run_id", ev.RunID),
			zap.String("event_type", ev.EventType),
			zap.Error(err))
	}
	return nil
}

// Subscribe streams the run's channel from Redis. Undecodable messages
// are skipped with a log line.
func (b *RedisBus) Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, ChannelFor(runID))
	// Force the subscription onto the wire before returning so callers
	// cannot miss events published immediately after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("event: subscribe %s: %w", runID, err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			ev, err := Unmarshal([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("dropping undecodable event",
					zap.String("run_id", runID), zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { pubsub.Close() }
	return out, cancel, nil
}
