// Package redisbus fans lifecycle events out across service instances over
// Redis pub/sub. Each instance republishes what it receives into a local hub
// that serves its own stream subscribers.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/supportdesk/internal/adapters/events/direct"
	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/core/ports"
	"github.com/tjfontaine/supportdesk/internal/pkg/config"
)

const defaultChannel = "supportdesk:events"

// Bus publishes events to a Redis channel and delivers events read from it
// to local subscribers.
type Bus struct {
	client  *redis.Client
	channel string
	local   *direct.Publisher
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ ports.EventPublisher  = (*Bus)(nil)
	_ ports.EventSubscriber = (*Bus)(nil)
)

// New connects to Redis, verifies the connection and starts the receive
// loop.
func New(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return NewWithClient(client, cfg.Channel, logger), nil
}

// NewWithClient wraps an existing client and starts the receive loop.
func NewWithClient(client *redis.Client, channel string, logger *slog.Logger) *Bus {
	if channel == "" {
		channel = defaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		client:  client,
		channel: channel,
		local:   direct.NewPublisher(0),
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	pubsub := client.Subscribe(runCtx, channel)
	go b.run(runCtx, pubsub)
	return b
}

func (b *Bus) run(ctx context.Context, pubsub *redis.PubSub) {
	defer close(b.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.deliver(ctx, []byte(msg.Payload))
		}
	}
}

// deliver decodes one payload and hands it to the local hub.
func (b *Bus) deliver(ctx context.Context, payload []byte) {
	var ev domain.LifecycleEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.logger.Warn("dropping malformed event",
			slog.String("channel", b.channel),
			slog.String("error", err.Error()))
		return
	}
	_ = b.local.Publish(ctx, &ev)
}

// Publish sends event to Redis. Local subscribers receive it through the
// channel subscription like every other instance.
func (b *Bus) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe registers a local stream subscriber.
func (b *Bus) Subscribe(clientID, conversationID string) (<-chan *domain.LifecycleEvent, func()) {
	return b.local.Subscribe(clientID, conversationID)
}

// Close stops the receive loop and closes the client.
func (b *Bus) Close() error {
	b.cancel()
	<-b.done
	b.local.Close()
	return b.client.Close()
}
