package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

/*
REDIS BRIDGE

Several relay instances can serve the same room behind a load balancer. Every
frame an instance accepts from a session is published on plume:room:<room>;
every instance pattern-subscribes to plume:room:* and feeds frames for rooms
it has loaded into its own replica and sessions. Frames carry the publishing
instance id so an instance never re-applies its own traffic.

When an instance loads a room it publishes a sync step 1; instances already
holding the room answer with the updates it is missing.
*/

const channelPrefix = "plume:room:"

type envelope struct {
	Instance string `json:"instance"`
	Frame    []byte `json:"frame"`
}

// RedisBridge connects relay instances through Redis pub/sub.
type RedisBridge struct {
	rdb      *redis.Client
	instance string
	logger   zerolog.Logger
}

func NewRedisBridge(rdb *redis.Client, instanceID string, logger zerolog.Logger) *RedisBridge {
	return &RedisBridge{rdb: rdb, instance: instanceID, logger: logger}
}

// Publish implements Publisher.
func (b *RedisBridge) Publish(ctx context.Context, room string, frame []byte) error {
	payload, err := json.Marshal(envelope{Instance: b.instance, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to encode bridge envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelPrefix+room, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", room, err)
	}
	return nil
}

// Listen subscribes to every room channel and calls handle for frames published
// by other instances. It returns once the subscription is active; the returned
// func unsubscribes and waits for the delivery goroutine to exit.
func (b *RedisBridge) Listen(ctx context.Context, handle func(room string, frame []byte)) (func() error, error) {
	sub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to relay channels: %w", err)
	}

	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed bridge message")
				continue
			}
			if env.Instance == b.instance {
				continue
			}
			handle(strings.TrimPrefix(msg.Channel, channelPrefix), env.Frame)
		}
	}()

	b.logger.Info().Str("instance", b.instance).Msg("relay bridge subscribed")
	return func() error {
		err := sub.Close()
		<-done
		return err
	}, nil
}
