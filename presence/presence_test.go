package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, "online_users:", 60*time.Second), mr
}

func TestSetOnlineThenGetStatus(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetOnline(ctx, 1001, "node-a"))

	node, ok, err := store.GetStatus(ctx, 1001)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "node-a", node)

	// The record must carry a TTL from the moment it is written.
	ttl := mr.TTL("online_users:1001")
	assert.Equal(t, 60*time.Second, ttl)
}

func TestGetStatusAbsentUser(t *testing.T) {
	store, _ := newTestStore(t)

	node, ok, err := store.GetStatus(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, node)
}

func TestSetOfflineDeletesRecordAndIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetOnline(ctx, 1001, "node-a"))
	require.NoError(t, store.SetOffline(ctx, 1001))

	_, ok, err := store.GetStatus(ctx, 1001)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again must not error.
	require.NoError(t, store.SetOffline(ctx, 1001))
}

func TestRecordExpiresWithoutRefresh(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetOnline(ctx, 1001, "node-a"))
	mr.FastForward(61 * time.Second)

	_, ok, err := store.GetStatus(ctx, 1001)
	require.NoError(t, err)
	assert.False(t, ok, "expired record must read as offline")
}

func TestRefreshTTLExtendsRecord(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetOnline(ctx, 1001, "node-a"))
	mr.FastForward(50 * time.Second)

	refreshed, err := store.RefreshTTL(ctx, 1001)
	require.NoError(t, err)
	assert.True(t, refreshed)

	mr.FastForward(50 * time.Second)
	_, ok, err := store.GetStatus(ctx, 1001)
	require.NoError(t, err)
	assert.True(t, ok, "refreshed record must outlive the original TTL")
}

func TestRefreshTTLAfterExpiryReportsStale(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetOnline(ctx, 1001, "node-a"))
	mr.FastForward(61 * time.Second)

	refreshed, err := store.RefreshTTL(ctx, 1001)
	require.NoError(t, err, "an expired record is staleness, not an error")
	assert.False(t, refreshed)
}

func TestBatchGetStatusMixedPresence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetOnline(ctx, 1, "node-a"))
	require.NoError(t, store.SetOnline(ctx, 3, "node-b"))

	online, err := store.BatchGetStatus(ctx, []int64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "node-a", 3: "node-b"}, online)
}

func TestBatchGetStatusEmptyInput(t *testing.T) {
	store, _ := newTestStore(t)

	online, err := store.BatchGetStatus(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, online)
}
