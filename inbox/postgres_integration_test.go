//go:build integration
// +build integration

package inbox_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/jetbus/inbox"
)

func setupStore(t *testing.T) *inbox.PostgresStore {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test: TEST_DB_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(context.Background(), inbox.Schema)
	require.NoError(t, err)
	_, err = pool.Exec(context.Background(), "TRUNCATE TABLE jetbus_inbox")
	require.NoError(t, err)

	return inbox.NewPostgresStore(pool)
}

func TestPostgresStoreLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := inbox.Key{EventID: uuid.NewString(), Subscriber: "order-handler"}

	row, err := store.FindOrCreate(ctx, key, "test.shop.order.created")
	require.NoError(t, err)
	assert.Equal(t, inbox.StatusReceived, row.Status)

	require.NoError(t, store.MarkProcessing(ctx, key, 1))
	require.NoError(t, store.MarkProcessed(ctx, key))

	row, err = store.FindOrCreate(ctx, key, "test.shop.order.created")
	require.NoError(t, err)
	assert.Equal(t, inbox.StatusProcessed, row.Status)
	assert.Equal(t, 1, row.Deliveries)
	assert.False(t, row.ProcessedAt.IsZero())

	// processed is terminal.
	require.NoError(t, store.MarkFailed(ctx, key, "late failure"))
	require.NoError(t, store.MarkProcessing(ctx, key, 2))
	row, err = store.FindOrCreate(ctx, key, "test.shop.order.created")
	require.NoError(t, err)
	assert.Equal(t, inbox.StatusProcessed, row.Status)
	assert.Equal(t, 1, row.Deliveries)
}

func TestPostgresStoreRaceLosesToWinner(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := inbox.Key{EventID: uuid.NewString(), Subscriber: "order-handler"}

	first, err := store.FindOrCreate(ctx, key, "test.shop.a")
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessing(ctx, key, 1))

	// The second insert loses the ON CONFLICT race and reads back the
	// winner's state.
	second, err := store.FindOrCreate(ctx, key, "test.shop.a")
	require.NoError(t, err)
	assert.Equal(t, first.Key.Dedup(), second.Key.Dedup())
	assert.Equal(t, inbox.StatusProcessing, second.Status)
}

func TestPostgresStoreFallbackKey(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := inbox.Key{Stream: "TEST_SHOP_EVENTS", StreamSeq: 42, Subscriber: "s"}

	row, err := store.FindOrCreate(ctx, key, "test.shop.a")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), row.Key.StreamSeq)
	assert.Equal(t, "TEST_SHOP_EVENTS", row.Key.Stream)
}

func TestPostgresStoreCounts(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.FindOrCreate(ctx, inbox.Key{EventID: uuid.NewString(), Subscriber: "s"}, "test.shop.a")
		require.NoError(t, err)
	}
	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[inbox.StatusReceived])
}
