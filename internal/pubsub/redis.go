package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pliu/petbuddy/internal/logging"
	"github.com/redis/go-redis/v9"
)

const RedisChannelPrefix = "relay:room:"

// RedisBroker is one Redis Pub/Sub connection. Events carry the broker id as
// Origin so a connection can skip its own publishes.
type RedisBroker struct {
	client *redis.Client
	ps     *redis.PubSub
	id     string
	logger *slog.Logger

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewRedisBroker(ctx context.Context, client *redis.Client, logger *slog.Logger) (*RedisBroker, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pubsub: redis ping: %w", err)
	}
	b := &RedisBroker{
		client: client,
		ps:     client.Subscribe(ctx),
		id:     uuid.NewString(),
		logger: logging.OrDefault(logger),
		events: make(chan Event, busQueue),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b, nil
}

// RedisDialer opens a fresh RedisBroker per dial on a shared client.
func RedisDialer(client *redis.Client, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Broker, error) {
		return NewRedisBroker(ctx, client, logger)
	}
}

func (b *RedisBroker) ID() string { return b.id }

func (b *RedisBroker) Events() <-chan Event { return b.events }

func (b *RedisBroker) Join(ctx context.Context, room string) error {
	return b.ps.Subscribe(ctx, RedisChannelPrefix+room)
}

func (b *RedisBroker) Leave(ctx context.Context, room string) error {
	return b.ps.Unsubscribe(ctx, RedisChannelPrefix+room)
}

func (b *RedisBroker) Publish(ctx context.Context, room string, ev Event) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	ev.Room = room
	ev.Origin = b.id
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pubsub: encode event: %w", err)
	}
	return b.client.Publish(ctx, RedisChannelPrefix+room, payload).Err()
}

func (b *RedisBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.ps.Close()
	})
	return err
}

func (b *RedisBroker) loop() {
	defer close(b.events)
	msgs := b.ps.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("pubsub: dropping malformed redis payload", "channel", msg.Channel, "error", err)
				continue
			}
			if ev.Origin == b.id {
				continue
			}
			ev.Room = strings.TrimPrefix(msg.Channel, RedisChannelPrefix)
			select {
			case b.events <- ev:
			case <-b.done:
				return
			}
		}
	}
}
