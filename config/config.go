// Package config loads and validates the runtime configuration for the
// bus: broker URLs and auth, subject prefix, worker pool sizing, retry
// and DLQ shaping, and the outbox/inbox feature flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Broker
	NATSURLs       []string
	ConnectTimeout time.Duration

	// Subject prefix: every subject is "{Env}.{AppName}.…".
	Env     string
	AppName string

	// Pool
	Concurrency  int
	FetchBatch   int
	FetchTimeout time.Duration

	// Delivery shaping
	MaxDeliver int
	AckWait    time.Duration
	Backoff    []time.Duration

	// Features
	UseOutbox bool
	UseInbox  bool
	UseDLQ    bool

	DLQMaxAttempts  int
	DLQStreamSuffix string

	// Outbox publisher
	PublishRetries   int
	PublishRetryBase time.Duration
	OutboxStaleAfter time.Duration
	SweepInterval    time.Duration

	// Stream limits
	StreamMaxAge   time.Duration
	StreamMaxBytes int64
	StreamMaxMsgs  int64
	DLQMaxAge      time.Duration

	// Datastores
	OutboxDSN string
	InboxDSN  string
	RedisAddr string
	RedisPass string
	RedisDB   int

	// Auth, applied in priority order: token, user/password, nkey
	// seed file, credentials file.
	AuthToken       string
	AuthUser        string
	AuthPassword    string
	NKeysSeedFile   string
	UserCredentials string

	// Optional mTLS
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string

	// Publisher-side pooling: bounds concurrent batch fan-out.
	ConnectionPoolSize    int
	ConnectionPoolTimeout time.Duration

	// Ops server
	OpsAddr string

	LogLevel string
}

const (
	minConcurrency = 1
	maxConcurrency = 1000
)

// ConfigError reports configuration that cannot work. Fatal at
// startup; nothing recovers from it.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

func configErr(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Load reads configuration from the environment (a .env file is
// honored when present) on top of the preset named by JETBUS_PRESET.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Preset(getEnv("JETBUS_PRESET", "development"))

	cfg.NATSURLs = splitURLs(getEnv("NATS_URLS", strings.Join(cfg.NATSURLs, ",")))
	cfg.ConnectTimeout = getDuration("NATS_CONNECT_TIMEOUT", cfg.ConnectTimeout)

	cfg.Env = getEnv("JETBUS_ENV", cfg.Env)
	cfg.AppName = getEnv("JETBUS_APP", cfg.AppName)

	cfg.Concurrency = getInt("JETBUS_CONCURRENCY", cfg.Concurrency)
	cfg.FetchBatch = getInt("JETBUS_FETCH_BATCH", cfg.FetchBatch)
	cfg.FetchTimeout = getDuration("JETBUS_FETCH_TIMEOUT", cfg.FetchTimeout)

	cfg.MaxDeliver = getInt("JETBUS_MAX_DELIVER", cfg.MaxDeliver)
	cfg.AckWait = getDuration("JETBUS_ACK_WAIT", cfg.AckWait)
	if raw := os.Getenv("JETBUS_BACKOFF_MS"); raw != "" {
		backoff, err := parseBackoff(raw)
		if err != nil {
			return nil, configErr("bad JETBUS_BACKOFF_MS: %v", err)
		}
		cfg.Backoff = backoff
	}

	cfg.UseOutbox = getBool("JETBUS_USE_OUTBOX", cfg.UseOutbox)
	cfg.UseInbox = getBool("JETBUS_USE_INBOX", cfg.UseInbox)
	cfg.UseDLQ = getBool("JETBUS_USE_DLQ", cfg.UseDLQ)
	cfg.DLQMaxAttempts = getInt("JETBUS_DLQ_MAX_ATTEMPTS", cfg.DLQMaxAttempts)
	cfg.DLQStreamSuffix = getEnv("JETBUS_DLQ_SUFFIX", cfg.DLQStreamSuffix)

	cfg.PublishRetries = getInt("JETBUS_PUBLISH_RETRIES", cfg.PublishRetries)
	cfg.PublishRetryBase = getDuration("JETBUS_PUBLISH_RETRY_BASE", cfg.PublishRetryBase)
	cfg.OutboxStaleAfter = getDuration("JETBUS_OUTBOX_STALE_AFTER", cfg.OutboxStaleAfter)
	cfg.SweepInterval = getDuration("JETBUS_SWEEP_INTERVAL", cfg.SweepInterval)

	cfg.StreamMaxAge = getDuration("JETBUS_STREAM_MAX_AGE", cfg.StreamMaxAge)
	cfg.StreamMaxBytes = int64(getInt("JETBUS_STREAM_MAX_BYTES", int(cfg.StreamMaxBytes)))
	cfg.StreamMaxMsgs = int64(getInt("JETBUS_STREAM_MAX_MSGS", int(cfg.StreamMaxMsgs)))
	cfg.DLQMaxAge = getDuration("JETBUS_DLQ_MAX_AGE", cfg.DLQMaxAge)

	cfg.OutboxDSN = firstNonEmpty(os.Getenv("JETBUS_OUTBOX_DSN"), os.Getenv("DATABASE_URL"))
	cfg.InboxDSN = firstNonEmpty(os.Getenv("JETBUS_INBOX_DSN"), cfg.OutboxDSN)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPass = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getInt("REDIS_DB", 0)

	cfg.AuthToken = os.Getenv("NATS_AUTH_TOKEN")
	cfg.AuthUser = os.Getenv("NATS_USER")
	cfg.AuthPassword = os.Getenv("NATS_PASSWORD")
	cfg.NKeysSeedFile = os.Getenv("NATS_NKEYS_SEED")
	cfg.UserCredentials = os.Getenv("NATS_CREDENTIALS")

	cfg.TLSCAFile = os.Getenv("NATS_TLS_CA")
	cfg.TLSCertFile = os.Getenv("NATS_TLS_CERT")
	cfg.TLSKeyFile = os.Getenv("NATS_TLS_KEY")

	cfg.ConnectionPoolSize = getInt("JETBUS_POOL_SIZE", cfg.ConnectionPoolSize)
	cfg.ConnectionPoolTimeout = getDuration("JETBUS_POOL_TIMEOUT", cfg.ConnectionPoolTimeout)

	cfg.OpsAddr = getEnv("JETBUS_OPS_ADDR", cfg.OpsAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Preset returns smart defaults for a named environment. Unknown names
// fall back to development.
func Preset(name string) *Config {
	cfg := &Config{
		NATSURLs:       []string{"nats://127.0.0.1:4222"},
		ConnectTimeout: 5 * time.Second,
		Env:            "development",
		AppName:        "app",

		Concurrency:  2,
		FetchBatch:   10,
		FetchTimeout: 5 * time.Second,

		MaxDeliver: 5,
		AckWait:    30 * time.Second,
		Backoff: []time.Duration{
			time.Second, 5 * time.Second, 30 * time.Second,
		},

		UseOutbox: true,
		UseInbox:  true,
		UseDLQ:    true,

		DLQMaxAttempts:  5,
		DLQStreamSuffix: "dlq",

		PublishRetries:   5,
		PublishRetryBase: 100 * time.Millisecond,
		OutboxStaleAfter: 5 * time.Minute,
		SweepInterval:    time.Minute,

		StreamMaxAge: 7 * 24 * time.Hour,
		DLQMaxAge:    30 * 24 * time.Hour,

		RedisAddr: "127.0.0.1:6379",

		ConnectionPoolSize:    10,
		ConnectionPoolTimeout: 5 * time.Second,

		OpsAddr:  ":9090",
		LogLevel: "info",
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "production":
		cfg.Env = "production"
		cfg.Concurrency = 8
		cfg.LogLevel = "info"
	case "testing":
		cfg.Env = "test"
		cfg.Concurrency = 1
		cfg.MaxDeliver = 2
		cfg.Backoff = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
		cfg.PublishRetries = 1
		cfg.SweepInterval = 50 * time.Millisecond
		cfg.LogLevel = "warn"
	default: // development
		cfg.LogLevel = "debug"
	}
	return cfg
}

// Validate fails fast on configuration that cannot work.
func (c *Config) Validate() error {
	if len(c.NATSURLs) == 0 {
		return configErr("at least one NATS URL is required")
	}
	for _, u := range c.NATSURLs {
		if !strings.HasPrefix(u, "nats://") && !strings.HasPrefix(u, "tls://") {
			return configErr("NATS URL %q must use nats:// or tls://", u)
		}
	}
	if strings.TrimSpace(c.Env) == "" || strings.TrimSpace(c.AppName) == "" {
		return configErr("env and app name are required")
	}
	if c.Concurrency < minConcurrency || c.Concurrency > maxConcurrency {
		return configErr("concurrency %d outside [%d, %d]", c.Concurrency, minConcurrency, maxConcurrency)
	}
	if c.MaxDeliver < 1 {
		return configErr("max_deliver must be at least 1")
	}
	if len(c.Backoff) == 0 {
		return configErr("backoff schedule must not be empty")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return configErr("TLS cert and key must be set together")
	}
	return nil
}

// SubjectPrefix returns the fixed "{env}.{app}." prefix of every
// subject this application touches.
func (c *Config) SubjectPrefix() string {
	return c.Env + "." + c.AppName + "."
}

// BackoffStep returns the nak delay for a given delivery attempt
// (1-based). Attempts past the schedule reuse the final step.
func (c *Config) BackoffStep(attempt int) time.Duration {
	if len(c.Backoff) == 0 {
		return time.Second
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.Backoff) {
		idx = len(c.Backoff) - 1
	}
	return c.Backoff[idx]
}

func splitURLs(raw string) []string {
	var urls []string
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func parseBackoff(raw string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		ms, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
