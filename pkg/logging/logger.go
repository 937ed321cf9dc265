// Package logging builds the single structured logger the rest of the
// process threads explicitly through constructors. Per the "implicit
// singleton logger" redesign note, nothing in internal/ reaches for a
// package-level logger — every component is handed a *zerolog.Logger (or
// value) at construction time.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the root logger.
type Options struct {
	// Level is one of: fatal, error, warn, info, debug, verbose (trace).
	Level string

	// Format is "json" (default, production) or "console"/"pretty".
	Format string
}

// New creates the root logger for the process, stamped with the service
// name and version on every line.
func New(serviceName, serviceVersion string, opts Options) zerolog.Logger {
	level := parseLevel(opts.Level)
	zerolog.SetGlobalLevel(level)

	var base zerolog.Logger
	if strings.EqualFold(opts.Format, "console") || strings.EqualFold(opts.Format, "pretty") {
		out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		base = zerolog.New(out)
	} else {
		base = zerolog.New(os.Stdout)
	}

	return base.With().
		Timestamp().
		Str("service", serviceName).
		Str("version", serviceVersion).
		Logger()
}

// parseLevel maps the specification's five-level-plus-verbose vocabulary
// onto zerolog's levels; "verbose" is zerolog's TraceLevel.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "fatal":
		return zerolog.FatalLevel
	case "error":
		return zerolog.ErrorLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "debug":
		return zerolog.DebugLevel
	case "verbose", "trace":
		return zerolog.TraceLevel
	case "info", "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a logger annotated with a "component" field,
// following the teacher's pattern for sub-component loggers.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
