// Package clog configures the process-wide zerolog logger and supplies the
// small set of field helpers the rest of the framework uses to keep log
// lines consistently tagged with node-id, service-id, and program-id.
package clog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init replaces it; packages that grab a
// reference before Init runs get the zerolog default (writes to stderr).
var Logger zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level mirrors zerolog's levels using the small vocabulary the CLI accepts.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// Init (re)configures the global Logger. The worker and master lifecycle
// drivers call this once at startup, and the worker calls it again after
// parsing --log-file to redirect output there.
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
		output = os.Stderr
	}

	if cfg.JSON {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithService returns a child logger tagged with the given service-id.
func WithService(sid fmt.Stringer) zerolog.Logger {
	return Logger.With().Str("service_id", sid.String()).Logger()
}

// WithNode returns a child logger tagged with the given node-id.
func WithNode(nid fmt.Stringer) zerolog.Logger {
	return Logger.With().Str("node_id", nid.String()).Logger()
}

// WithProgram returns a child logger tagged with the given program-id.
func WithProgram(programID string) zerolog.Logger {
	return Logger.With().Str("program_id", programID).Logger()
}
