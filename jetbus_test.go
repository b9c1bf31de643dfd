package jetbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/consume"
	"github.com/baechuer/jetbus/event"
	"github.com/baechuer/jetbus/inbox"
	"github.com/baechuer/jetbus/outbox"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	cfg := config.Preset("testing")
	cfg.AppName = "shop"
	cfg.RedisAddr = ""

	bus, err := New(cfg,
		WithOutboxStore(outbox.NewMemoryStore()),
		WithInboxStore(inbox.NewMemoryStore()),
	)
	require.NoError(t, err)
	return bus
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	cfg := config.Preset("testing")
	cfg.Concurrency = 0
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestBusSubscribe(t *testing.T) {
	bus := testBus(t)

	sub := consume.SubscriberFunc{Name: "orders", Fn: func(context.Context, *event.Envelope, event.MessageContext) error {
		return nil
	}}
	require.NoError(t, bus.Subscribe(sub, []string{"order.*"}, consume.Options{}))
	assert.Error(t, bus.Subscribe(sub, []string{"order.*"}, consume.Options{}), "duplicate registration")
}

func TestBusSweepEmptyStore(t *testing.T) {
	bus := testBus(t)
	n, err := bus.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBusPublisherExposed(t *testing.T) {
	bus := testBus(t)
	assert.NotNil(t, bus.Publisher())
}
