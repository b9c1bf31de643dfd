package broker

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/jetbus/config"
)

func testConfig() *config.Config {
	cfg := config.Preset("testing")
	cfg.AppName = "shop"
	return cfg
}

// applyOptions runs the option funcs against a default options struct,
// the same way nats.Connect does.
func applyOptions(t *testing.T, opts []nats.Option) nats.Options {
	t.Helper()
	o := nats.GetDefaultOptions()
	for _, opt := range opts {
		require.NoError(t, opt(&o))
	}
	return o
}

func TestServersJoinsEveryURL(t *testing.T) {
	cfg := testConfig()
	cfg.NATSURLs = []string{"nats://a:4222", "nats://b:4222", "nats://c:4222"}
	c := New(cfg)

	// Every configured URL reaches the client, not just the first.
	assert.Equal(t, "nats://a:4222,nats://b:4222,nats://c:4222", c.servers())

	cfg.NATSURLs = []string{"nats://a:4222"}
	assert.Equal(t, "nats://a:4222", c.servers())
}

func TestOptionsReconnectPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 3 * time.Second
	o := applyOptions(t, New(cfg).options())

	assert.Equal(t, "shop", o.Name)
	assert.Equal(t, 3*time.Second, o.Timeout)
	assert.True(t, o.RetryOnFailedConnect)
	assert.Equal(t, -1, o.MaxReconnect)
	assert.False(t, o.NoRandomize, "single URL keeps default randomization")
}

func TestOptionsMultiURLKeepsOrder(t *testing.T) {
	cfg := testConfig()
	cfg.NATSURLs = []string{"nats://a:4222", "nats://b:4222"}
	o := applyOptions(t, New(cfg).options())
	assert.True(t, o.NoRandomize)
}

func TestOptionsAuthPriority(t *testing.T) {
	cfg := testConfig()
	cfg.AuthToken = "tok"
	cfg.AuthUser = "user"
	cfg.AuthPassword = "pass"
	o := applyOptions(t, New(cfg).options())

	// Token outranks user/password.
	assert.Equal(t, "tok", o.Token)
	assert.Empty(t, o.User)

	cfg2 := testConfig()
	cfg2.AuthUser = "user"
	cfg2.AuthPassword = "pass"
	o2 := applyOptions(t, New(cfg2).options())
	assert.Equal(t, "user", o2.User)
	assert.Equal(t, "pass", o2.Password)
}
