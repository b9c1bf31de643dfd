package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("env_overrides_preset", func(t *testing.T) {
		t.Setenv("JETBUS_PRESET", "testing")
		t.Setenv("NATS_URLS", "nats://a:4222, nats://b:4222")
		t.Setenv("JETBUS_ENV", "test")
		t.Setenv("JETBUS_APP", "shop")
		t.Setenv("JETBUS_CONCURRENCY", "4")
		t.Setenv("JETBUS_BACKOFF_MS", "100,500,1000")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATSURLs)
		assert.Equal(t, "test", cfg.Env)
		assert.Equal(t, "shop", cfg.AppName)
		assert.Equal(t, 4, cfg.Concurrency)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second}, cfg.Backoff)
		assert.Equal(t, "test.shop.", cfg.SubjectPrefix())
	})

	t.Run("bad_backoff_rejected", func(t *testing.T) {
		t.Setenv("JETBUS_BACKOFF_MS", "100,abc")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("bad_scheme_rejected", func(t *testing.T) {
		t.Setenv("NATS_URLS", "http://localhost:4222")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := Preset("testing")
		c.AppName = "shop"
		return c
	}

	t.Run("concurrency_bounds", func(t *testing.T) {
		c := base()
		c.Concurrency = 0
		assert.Error(t, c.Validate())
		c.Concurrency = 1001
		assert.Error(t, c.Validate())
		c.Concurrency = 1000
		assert.NoError(t, c.Validate())
	})

	t.Run("tls_pairing", func(t *testing.T) {
		c := base()
		c.TLSCertFile = "cert.pem"
		assert.Error(t, c.Validate())
		c.TLSKeyFile = "key.pem"
		assert.NoError(t, c.Validate())
	})

	t.Run("empty_app_rejected", func(t *testing.T) {
		c := base()
		c.AppName = ""
		assert.Error(t, c.Validate())
	})

	t.Run("typed_error", func(t *testing.T) {
		c := base()
		c.MaxDeliver = 0
		err := c.Validate()
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "config: max_deliver must be at least 1", cfgErr.Error())
	})
}

func TestPreset(t *testing.T) {
	dev := Preset("development")
	prod := Preset("production")
	test := Preset("testing")

	assert.Equal(t, "debug", dev.LogLevel)
	assert.Greater(t, prod.Concurrency, dev.Concurrency)
	assert.Equal(t, 1, test.Concurrency)
	assert.NotEmpty(t, test.Backoff)
}

func TestBackoffStep(t *testing.T) {
	c := &Config{Backoff: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second}}

	assert.Equal(t, 100*time.Millisecond, c.BackoffStep(1))
	assert.Equal(t, 500*time.Millisecond, c.BackoffStep(2))
	assert.Equal(t, time.Second, c.BackoffStep(3))
	// Past the schedule the final step repeats.
	assert.Equal(t, time.Second, c.BackoffStep(9))
	assert.Equal(t, 100*time.Millisecond, c.BackoffStep(0))
}
