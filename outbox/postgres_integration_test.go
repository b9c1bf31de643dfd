//go:build integration
// +build integration

package outbox_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/jetbus/outbox"
)

func setupStore(t *testing.T) *outbox.PostgresStore {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test: TEST_DB_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(context.Background(), outbox.Schema)
	require.NoError(t, err)
	_, err = pool.Exec(context.Background(), "TRUNCATE TABLE jetbus_outbox")
	require.NoError(t, err)

	return outbox.NewPostgresStore(pool)
}

func TestPostgresStoreLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	eventID := uuid.NewString()

	row, err := store.FindOrCreate(ctx, &outbox.Row{
		EventID: eventID,
		Subject: "test.shop.order.created",
		Payload: []byte(`{"event_id":"x"}`),
		Headers: map[string]string{"X-Correlation-Id": "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, row.Status)
	assert.Equal(t, 0, row.Attempts)

	// Duplicate insert returns the existing row.
	again, err := store.FindOrCreate(ctx, &outbox.Row{EventID: eventID, Subject: "other"})
	require.NoError(t, err)
	assert.Equal(t, "test.shop.order.created", again.Subject)

	require.NoError(t, store.MarkPublishing(ctx, eventID))
	require.NoError(t, store.MarkSent(ctx, eventID))

	row, err = store.FindOrCreate(ctx, &outbox.Row{EventID: eventID})
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.False(t, row.SentAt.IsZero())

	// sent is terminal: MarkFailed must not regress it.
	require.NoError(t, store.MarkFailed(ctx, eventID, "late failure"))
	row, err = store.FindOrCreate(ctx, &outbox.Row{EventID: eventID})
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, row.Status)
}

func TestPostgresStoreStaleRecovery(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	eventID := uuid.NewString()

	_, err := store.FindOrCreate(ctx, &outbox.Row{EventID: eventID, Subject: "test.shop.a", Payload: []byte("{}")})
	require.NoError(t, err)
	require.NoError(t, store.MarkPublishing(ctx, eventID))

	ids, err := store.FindStalePublishing(ctx, 0, 10)
	require.NoError(t, err)
	require.Contains(t, ids, eventID)

	require.NoError(t, store.ResetToPending(ctx, ids))

	pending, err := store.FindPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, eventID, pending[0].EventID)

	// A fresh publishing row is not stale under a long window.
	require.NoError(t, store.MarkPublishing(ctx, eventID))
	ids, err = store.FindStalePublishing(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPostgresStoreCounts(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.FindOrCreate(ctx, &outbox.Row{EventID: uuid.NewString(), Subject: "test.shop.a", Payload: []byte("{}")})
		require.NoError(t, err)
	}
	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[outbox.StatusPending])
}
