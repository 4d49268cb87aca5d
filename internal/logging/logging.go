// Package logging builds the zerolog loggers of the circuit commands.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level maps a -v count to a log level: 0 is warn, 1 info, 2 debug,
// 3 or more trace.
func Level(verbosity int) zerolog.Level {
	switch {
	case verbosity <= 0:
		return zerolog.WarnLevel
	case verbosity == 1:
		return zerolog.InfoLevel
	case verbosity == 2:
		return zerolog.DebugLevel
	}
	return zerolog.TraceLevel
}

// New returns a console logger for app writing to stderr and installs
// it as the global zerolog logger. CIRCUIT_LOG_LEVEL, if set, overrides
// level; CIRCUIT_LOG_NOCOLOR disables colors.
func New(app string, level zerolog.Level) zerolog.Logger {
	logger := NewWriter(os.Stderr, app, level)
	log.Logger = logger
	return logger
}

// NewWriter is New with an explicit destination and no global side
// effects.
func NewWriter(w io.Writer, app string, level zerolog.Level) zerolog.Logger {
	if s := os.Getenv("CIRCUIT_LOG_LEVEL"); s != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(s)); err == nil {
			level = l
		}
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    os.Getenv("CIRCUIT_LOG_NOCOLOR") != "",
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
}
