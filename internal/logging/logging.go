// Package logging builds the zerolog logger shared by every chatsync component.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a console logger in development mode and a JSON logger otherwise.
// An unparsable level falls back to info.
func New(mode, level string) zerolog.Logger {
	return NewWithWriter(os.Stderr, mode, level)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(out io.Writer, mode, level string) zerolog.Logger {
	var logger zerolog.Logger
	switch strings.ToLower(mode) {
	case "prod", "production":
		logger = zerolog.New(out).
			With().
			Timestamp().
			Logger()
	default:
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// Component tags a logger with the owning component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
