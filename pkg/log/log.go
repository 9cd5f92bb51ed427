// Package log provides the process-wide structured logger used by every
// component. It is a thin wrapper around zerolog so that components only ever
// depend on log.WithComponent and never configure zerolog directly.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// Level is a process log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration read from pkg/config.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Call once during process bootstrap.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithAgentName tags a logger with the agent name.
func WithAgentName(agent string) zerolog.Logger {
	return Logger.With().Str("agent", agent).Logger()
}

// WithWorkloadName tags a logger with a workload name.
func WithWorkloadName(name string) zerolog.Logger {
	return Logger.With().Str("workload", name).Logger()
}

// WithInstanceName tags a logger with a workload instance name's string form.
func WithInstanceName(instance string) zerolog.Logger {
	return Logger.With().Str("instance", instance).Logger()
}

func init() {
	// Sane default so packages that log before Init runs (e.g. in tests) don't panic.
	Init(Config{Level: InfoLevel})
}
