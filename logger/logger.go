// Package logger holds the process-wide zerolog logger. Init reads the
// LOG_* environment and every package derives a child via Component.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var Logger zerolog.Logger

// Init configures the global logger from the environment, writing to
// stdout. LOG_LEVEL (default "info") and LOG_FORMAT ("json" or
// "console", default "console") drive it; LOG_COLOR=0 strips console
// colors and LOG_CALLER=1 adds caller annotations.
func Init() {
	InitWithWriter(os.Stdout)
}

// InitWithWriter is Init with an explicit sink, mainly for tests.
func InitWithWriter(w io.Writer) {
	l := zerolog.New(sink(w)).
		With().Timestamp().Logger().
		Level(envLevel())

	if envFlag("LOG_CALLER") {
		l = l.With().Caller().Logger()
	}

	Logger = l
	zlog.Logger = Logger
}

func envLevel() zerolog.Level {
	raw := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func sink(w io.Writer) io.Writer {
	if strings.TrimSpace(os.Getenv("LOG_FORMAT")) == "json" {
		return w
	}
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    strings.TrimSpace(os.Getenv("LOG_COLOR")) == "0",
	}
}

func envFlag(key string) bool {
	return strings.TrimSpace(os.Getenv(key)) == "1"
}

// SetLevel overrides the level after Init, for configuration that
// carries its own log level. Unparseable levels are ignored.
func SetLevel(level string) {
	lv, err := zerolog.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return
	}
	Logger = Logger.Level(lv)
	zlog.Logger = Logger
}

// Component returns a child logger tagged with a component name.
// Workers, publishers and sweeps all log through these.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
