package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBroker(client, zap.NewNop())
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "node-a")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "node-a", []byte(`{"msgid":5}`)))

	select {
	case payload := <-ch:
		assert.Equal(t, []byte(`{"msgid":5}`), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published payload")
	}
}

func TestPublishToOtherChannelNotDelivered(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "node-a")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "node-b", []byte("elsewhere")))

	select {
	case payload := <-ch:
		t.Fatalf("unexpected delivery: %q", payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeContextCancelClosesChannel(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, "node-a")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must be closed after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after context cancellation")
	}
}

func TestClosedBrokerRejectsOperations(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Close())

	assert.Error(t, b.Publish(ctx, "node-a", []byte("x")))
	_, err := b.Subscribe(ctx, "node-a")
	assert.Error(t, err)

	// Close is idempotent.
	require.NoError(t, b.Close())
}

func TestBrokerType(t *testing.T) {
	b := newTestBroker(t)
	assert.Equal(t, "redis", b.Type())
}
