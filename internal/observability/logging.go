package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogOptions select the level and encoding of service logs.
type LogOptions struct {
	Level   string // debug|info|warn|error, default info
	Console bool   // human-readable output for local runs
}

// NewLogger creates a JSON logger for one component at the level in
// SYNTH_LOG_LEVEL.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, ParseLogLevel(os.Getenv("SYNTH_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a JSON logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return newLogger(os.Stdout, component, level)
}

// NewServiceLogger builds the root logger from configuration.
func NewServiceLogger(component string, opts LogOptions) zerolog.Logger {
	var w io.Writer = os.Stdout
	if opts.Console {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	}
	return newLogger(w, component, ParseLogLevel(opts.Level))
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps a level name to zerolog; anything unknown is info.
func ParseLogLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
