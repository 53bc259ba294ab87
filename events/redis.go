package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "cortex:events:"

// RedisRelay fans local events out over Redis pub/sub and relays events published
// by other instances back into the local bus, tagged with their origin.
type RedisRelay struct {
	client     *redis.Client
	instanceID string
	logger     zerolog.Logger
}

// NewRedisRelay creates a relay for the given instance.
func NewRedisRelay(client *redis.Client, instanceID string, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client:     client,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "redis_relay").Logger(),
	}
}

// Channel returns the pub/sub channel for a tenant/space pair.
func Channel(tenant, space string) string {
	if tenant == "" {
		tenant = "_"
	}
	return fmt.Sprintf("%s%s:%s", channelPrefix, tenant, space)
}

type wireEvent struct {
	Event
	Entity json.RawMessage `json:"entity,omitempty"`
}

// Handler returns a bus handler that publishes local events to Redis. Relayed events
// are not re-published.
func (r *RedisRelay) Handler() Handler {
	return func(ctx context.Context, ev Event) {
		if ev.Remote() {
			return
		}
		ev.Origin = r.instanceID
		b, err := json.Marshal(ev)
		if err != nil {
			r.logger.Error().Err(err).Str("table", ev.Table).Msg("Failed to encode event")
			return
		}
		if err := r.client.Publish(ctx, Channel(ev.Tenant, ev.Space), b).Err(); err != nil {
			r.logger.Warn().Err(err).Str("table", ev.Table).Str("entity_id", ev.EntityID).Msg("Failed to publish event")
		}
	}
}

// Listen subscribes to every Cortex channel and republishes foreign events on local
// until ctx is cancelled. The returned channel is closed once the subscription is live.
func (r *RedisRelay) Listen(ctx context.Context, local Publisher) (<-chan struct{}, error) {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close() //nolint:errcheck // subscription never became live
		return nil, fmt.Errorf("subscribe to events: %w", err)
	}

	ready := make(chan struct{})
	go func() {
		defer pubsub.Close() //nolint:errcheck // no remedy for close error
		ch := pubsub.Channel()
		close(ready)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.relay(ctx, local, msg)
			}
		}
	}()
	return ready, nil
}

func (r *RedisRelay) relay(ctx context.Context, local Publisher, msg *redis.Message) {
	var w wireEvent
	if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
		r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed event")
		return
	}
	if w.Origin == "" || w.Origin == r.instanceID || !strings.HasPrefix(msg.Channel, channelPrefix) {
		return
	}
	ev := w.Event
	if len(w.Entity) > 0 {
		ev.Entity = w.Entity
	}
	local.Publish(ctx, ev)
}
