package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup initializes the agent logger on stderr, leaving stdout to the
// interactive login prompt.
//   - level: log level string (trace, debug, info, warn, error, fatal, panic)
//   - format: "json" for shipping, "pretty" for a human at the terminal
func Setup(level, format string) zerolog.Logger {
	return New(os.Stderr, level, format)
}

// New builds a logger writing to w. Tests pass a buffer or io.Discard.
func New(w io.Writer, level, format string) zerolog.Logger {
	if format == "pretty" {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(w).
		With().
		Timestamp().
		Caller().
		Str("app", "exstem-proctor").
		Logger()
}

// WithAttempt scopes a component logger to one olympiad attempt.
func WithAttempt(log zerolog.Logger, olympiadID, attemptID string) zerolog.Logger {
	return log.With().
		Str("olympiad_id", olympiadID).
		Str("attempt_id", attemptID).
		Logger()
}
