package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "querychat:events:"

func channelFor(conversationID string) string { return channelPrefix + conversationID }

// RedisBridge publishes every event to the local hub and to Redis, and
// replays events published by other instances into the local hub.
type RedisBridge struct {
	rdb    redis.UniversalClient
	hub    *Hub
	origin string
	log    *slog.Logger
}

func NewRedisBridge(rdb redis.UniversalClient, hub *Hub, log *slog.Logger) *RedisBridge {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBridge{rdb: rdb, hub: hub, origin: uuid.NewString(), log: log}
}

func (b *RedisBridge) Origin() string { return b.origin }

func (b *RedisBridge) Publish(ctx context.Context, ev Event) error {
	_ = b.hub.Publish(ctx, ev)

	ev.Origin = b.origin
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channelFor(ev.ConversationID), data).Err(); err != nil {
		return fmt.Errorf("publish %s to redis: %w", ev.Type, err)
	}
	return nil
}

// Start subscribes to all conversation channels and relays remote events
// until ctx is done. It returns once the subscription is confirmed.
func (b *RedisBridge) Start(ctx context.Context) error {
	ps := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe to %s*: %w", channelPrefix, err)
	}

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.relay(ctx, msg)
			}
		}
	}()
	return nil
}

func (b *RedisBridge) relay(ctx context.Context, msg *redis.Message) {
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		b.log.Warn("drop malformed event", "channel", msg.Channel, "err", err)
		return
	}
	if ev.Origin == b.origin {
		return
	}
	if ev.ConversationID == "" {
		ev.ConversationID = strings.TrimPrefix(msg.Channel, channelPrefix)
	}
	_ = b.hub.Publish(ctx, ev)
}
