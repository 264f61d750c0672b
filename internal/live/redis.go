package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"hazsync/api/internal/util"
)

const bridgeChannel = "hazsync:live"

// envelope wraps an event on the wire so an instance can skip its own
// publications when they come back around.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisBridge relays session events between API instances over Redis pub/sub.
// A remote event is re-sequenced by the receiving hub, so each connection
// still observes a strictly increasing per-session sequence.
type RedisBridge struct {
	client *redis.Client
	origin string
}

func NewRedisBridge(redisURL string) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBridgeWithClient(client), nil
}

func NewRedisBridgeWithClient(client *redis.Client) *RedisBridge {
	return &RedisBridge{
		client: client,
		origin: util.NewID("inst"),
	}
}

// Publish sends the event to the shared channel. Seq is stripped: the
// receiving instance assigns its own.
func (b *RedisBridge) Publish(ev Event) error {
	ev.Seq = 0
	payload, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(context.Background(), bridgeChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Listen subscribes to the shared channel and injects remote events into the
// hub until ctx is cancelled. Run it on its own goroutine.
func (b *RedisBridge) Listen(ctx context.Context, hub *Hub) {
	sub := b.client.Subscribe(ctx, bridgeChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("live: bad bridge payload: %v", err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			hub.deliverLocal(env.Event)
		}
	}
}

func (b *RedisBridge) Close() error {
	return b.client.Close()
}

func (b *RedisBridge) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
