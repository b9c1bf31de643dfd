package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Hour), mr
}

func TestRedisStoreDedupFence(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	key := Key{EventID: "evt-1", Subscriber: "order-handler"}

	row, err := store.FindOrCreate(ctx, key, "test.shop.order.created")
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, row.Status)

	require.NoError(t, store.MarkProcessing(ctx, key, 1))
	require.NoError(t, store.MarkProcessed(ctx, key))

	// A redelivery now sees the terminal marker.
	row, err = store.FindOrCreate(ctx, key, "test.shop.order.created")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, row.Status)
}

func TestRedisStoreMarkFailedClearsProcessing(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	key := Key{EventID: "evt-2", Subscriber: "order-handler"}

	_, err := store.FindOrCreate(ctx, key, "s")
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessing(ctx, key, 1))
	require.NoError(t, store.MarkFailed(ctx, key, "boom"))

	// The marker is gone, so the redelivery starts fresh.
	assert.False(t, mr.Exists(store.key(key)))
	row, err := store.FindOrCreate(ctx, key, "s")
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, row.Status)
}

func TestRedisStoreMarkFailedKeepsProcessedMarker(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	key := Key{EventID: "evt-3", Subscriber: "order-handler"}

	require.NoError(t, store.MarkProcessed(ctx, key))
	require.NoError(t, store.MarkFailed(ctx, key, "late failure"))

	row, err := store.FindOrCreate(ctx, key, "s")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, row.Status)
}

func TestRedisStoreMarkFailedWithoutMarker(t *testing.T) {
	store, _ := newTestRedisStore(t)
	key := Key{EventID: "evt-4", Subscriber: "order-handler"}
	assert.NoError(t, store.MarkFailed(context.Background(), key, "boom"))
}

func TestRedisStoreWindowExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	key := Key{EventID: "evt-5", Subscriber: "order-handler"}

	require.NoError(t, store.MarkProcessed(ctx, key))
	mr.FastForward(2 * time.Hour)

	// Past the window the fence forgets; the broker's own dedup and
	// handler idempotency are the remaining guards.
	row, err := store.FindOrCreate(ctx, key, "s")
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, row.Status)
}
