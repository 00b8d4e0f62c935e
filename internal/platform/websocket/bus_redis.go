package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultBusChannel is the Redis channel relay instances share.
const DefaultBusChannel = "portal:realtime:notifications"

// RedisBus fans notification envelopes out to every relay instance. Each
// instance delivers to its own sockets and ignores its own echoes. Call
// rooms are not fanned out; both participants of a room must reach the same
// instance.
type RedisBus struct {
	rdb     *redis.Client
	hub     *Hub
	channel string
	origin  string
	logger  zerolog.Logger
}

func NewRedisBus(rdb *redis.Client, hub *Hub, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		hub:     hub,
		channel: DefaultBusChannel,
		origin:  uuid.New().String(),
		logger:  logger.With().Str("component", "relay-bus").Logger(),
	}
}

// Publish delivers locally, then announces env to the other instances.
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	b.hub.Deliver(env.Topic, env.Data)

	env.Origin = b.origin
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Run subscribes to the shared channel and delivers envelopes from other
// instances until ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info().Str("channel", b.channel).Msg("relay bus subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.receive([]byte(msg.Payload))
		}
	}
}

func (b *RedisBus) receive(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn().Err(err).Msg("malformed bus envelope")
		return
	}
	if env.Origin == b.origin || env.Topic == "" {
		return
	}
	n := b.hub.Deliver(env.Topic, env.Data)
	b.logger.Debug().Str("topic", env.Topic).Int("receivers", n).Msg("bus envelope delivered")
}
