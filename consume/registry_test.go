package consume

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/event"
)

func testConfig() *config.Config {
	cfg := config.Preset("testing")
	cfg.AppName = "shop"
	return cfg
}

func noopSubscriber(id string) Subscriber {
	return SubscriberFunc{Name: id, Fn: func(context.Context, *event.Envelope, event.MessageContext) error {
		return nil
	}}
}

func TestRegistryGroupsByPattern(t *testing.T) {
	reg := NewRegistry(testConfig())

	require.NoError(t, reg.Add(noopSubscriber("a"), []string{"order.*"}, Options{}))
	require.NoError(t, reg.Add(noopSubscriber("b"), []string{"order.created"}, Options{}))
	require.NoError(t, reg.Add(noopSubscriber("c"), []string{"order.created"}, Options{}))

	groups := reg.Groups()
	require.Len(t, groups, 2)

	// Sorted by pattern: order.* before order.created.
	assert.Equal(t, "test.shop.order.*", groups[0].Pattern.String())
	assert.Equal(t, "test.shop.order.created", groups[1].Pattern.String())
	assert.Len(t, groups[0].Subs, 1)
	assert.Len(t, groups[1].Subs, 2)
}

func TestRegistryMultiplePatterns(t *testing.T) {
	reg := NewRegistry(testConfig())
	require.NoError(t, reg.Add(noopSubscriber("audit"), []string{"order.>", "payment.>"}, Options{}))
	assert.Len(t, reg.Groups(), 2)
}

func TestRegistryRejectsBadInput(t *testing.T) {
	reg := NewRegistry(testConfig())

	assert.Error(t, reg.Add(nil, []string{"order.*"}, Options{}))
	assert.Error(t, reg.Add(noopSubscriber(""), []string{"order.*"}, Options{}))
	assert.Error(t, reg.Add(noopSubscriber("a"), nil, Options{}))
	assert.Error(t, reg.Add(noopSubscriber("a"), []string{"order.>.x"}, Options{}))

	require.NoError(t, reg.Add(noopSubscriber("a"), []string{"order.*"}, Options{}))
	assert.Error(t, reg.Add(noopSubscriber("a"), []string{"order.*"}, Options{}), "duplicate id on the same pattern")
}

func TestRegistryOptionConflict(t *testing.T) {
	reg := NewRegistry(testConfig())
	require.NoError(t, reg.Add(noopSubscriber("a"), []string{"order.created"}, Options{MaxDeliver: 3}))

	assert.Error(t, reg.Add(noopSubscriber("b"), []string{"order.created"}, Options{MaxDeliver: 7}))
	assert.NoError(t, reg.Add(noopSubscriber("b"), []string{"order.created"}, Options{MaxDeliver: 3}))
}

func TestRegistryFreeze(t *testing.T) {
	reg := NewRegistry(testConfig())
	require.NoError(t, reg.Add(noopSubscriber("a"), []string{"order.*"}, Options{}))
	reg.Freeze()
	assert.Error(t, reg.Add(noopSubscriber("b"), []string{"order.*"}, Options{}))
}

func TestRegistryOverlapping(t *testing.T) {
	reg := NewRegistry(testConfig())
	require.NoError(t, reg.Add(noopSubscriber("a"), []string{"order.*"}, Options{}))
	require.NoError(t, reg.Add(noopSubscriber("b"), []string{"order.created"}, Options{}))
	require.NoError(t, reg.Add(noopSubscriber("c"), []string{"payment.captured"}, Options{}))

	pairs := reg.Overlapping()
	require.Len(t, pairs, 1)
	assert.Equal(t, "test.shop.order.*", pairs[0][0].String())
	assert.Equal(t, "test.shop.order.created", pairs[0][1].String())
}

func TestRegistrySpecDefaults(t *testing.T) {
	reg := NewRegistry(testConfig())
	require.NoError(t, reg.Add(noopSubscriber("a"), []string{"order.created"}, Options{
		MaxDeliver: 3,
		AckWait:    10 * time.Second,
		Backoff:    []time.Duration{time.Second},
	}))
	spec := reg.Groups()[0].Spec
	assert.Equal(t, 3, spec.MaxDeliver)
	assert.Equal(t, 10*time.Second, spec.AckWait)
	assert.Equal(t, []time.Duration{time.Second}, spec.Backoff)
}
