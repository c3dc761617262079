// Package logger configures the process-wide zerolog logger and hands out
// component-scoped sub-loggers, the same shape original_source gives each
// module via logging.getLogger(name=...).
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide base logger. Initialize sets it up; Component
// derives a child logger from it.
var Log zerolog.Logger

// Initialize configures the global logger. level is any zerolog level name
// (zerolog's own "trace" stands in for TRACE_LEVEL in log_extra.py); an
// unrecognised name falls back to info.
// pretty selects a human-readable console writer instead of JSON, matching
// how the teacher's logger.Initialize chooses between development and
// production output.
func Initialize(role, level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var w zerolog.Logger
	if pretty {
		w = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		w = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	Log = w.With().Str("role", role).Logger()
}

// Component returns a sub-logger tagged with the given component name, the
// Go equivalent of logging.getLogger(name='client_worker') and friends
// scattered across original_source.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
