// internal/realtime/redis_bridge.go
package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultChannel is the Redis pub/sub channel lobby events travel on between instances.
const DefaultChannel = "yamato_events"

type envelope struct {
	Origin  string          `json:"origin"`
	LobbyID uuid.UUID       `json:"lobbyId"`
	Data    json.RawMessage `json:"data"`
}

// RedisBridge is a Notifier that delivers to the local hub immediately and relays the event
// over Redis so clients attached to other instances receive it too.
type RedisBridge struct {
	hub      *Hub
	rdb      *redis.Client
	channel  string
	instance string
	logger   *logrus.Logger
}

func NewRedisBridge(hub *Hub, rdb *redis.Client, channel string, logger *logrus.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{
		hub:      hub,
		rdb:      rdb,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   logger,
	}
}

// Publish never blocks on Redis failures; the local hub has already been served.
func (b *RedisBridge) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.WithError(err).WithField("type", ev.Type).Error("failed to marshal event")
		return
	}
	b.hub.Deliver(ev.LobbyID, data)

	msg, err := json.Marshal(envelope{Origin: b.instance, LobbyID: ev.LobbyID, Data: data})
	if err != nil {
		return
	}
	if err := b.rdb.Publish(context.WithoutCancel(ctx), b.channel, msg).Err(); err != nil {
		b.logger.WithError(err).WithField("lobby_id", ev.LobbyID).Warn("failed to relay event to redis")
	}
}

// Run relays events published by other instances into the local hub until ctx ends.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	b.logger.WithField("channel", b.channel).Info("realtime bridge subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				b.logger.WithError(err).Warn("invalid relayed event")
				continue
			}
			if env.Origin == b.instance {
				continue
			}
			b.hub.Deliver(env.LobbyID, env.Data)
		}
	}
}
