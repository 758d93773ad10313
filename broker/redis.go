package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const subscribeBuffer = 100

// RedisBroker implements MessageBroker on Redis pub/sub. It can share the
// client used by the presence store.
type RedisBroker struct {
	client *redis.Client
	log    *zap.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBroker creates a Redis-backed message broker.
func NewRedisBroker(client *redis.Client, log *zap.Logger) *RedisBroker {
	return &RedisBroker{client: client, log: log}
}

// Publish sends the payload to every current subscriber of the channel.
// Redis pub/sub has no persistence: if the target node is not subscribed at
// this instant, the message is gone, which matches the at-most-once model.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	b.mu.Unlock()

	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a dedicated subscription connection for the channel and
// pumps its payloads into the returned Go channel. The pump goroutine only
// moves bytes; all dispatch happens on the consumer side.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	pubsub := b.client.Subscribe(ctx, channel)
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	// Force the SUBSCRIBE round trip so a failure surfaces here, not later.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe to %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	in := pubsub.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close terminates all subscriptions. The shared Redis client is owned by
// the caller and left open.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		if err := sub.Close(); err != nil {
			b.log.Warn("closing redis subscription", zap.Error(err))
		}
	}
	b.subs = nil
	return nil
}

func (b *RedisBroker) Type() string { return "redis" }
