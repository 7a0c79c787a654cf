// Package logger wires the daemon's zerolog output, matching the teacher's
// cmd/onedriver/main.go: a console writer to stderr for interactive runs, a
// plain JSON writer to a log file for runs without -f.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevels returns the zerolog level names accepted by the -e CLI flag and
// the gdfs.conf file, in increasing severity order.
func LogLevels() []string {
	return []string{"trace", "debug", "info", "warn", "error", "fatal"}
}

// StringToLevel converts a level name to a zerolog.Level, defaulting to
// InfoLevel (and logging the problem) on an unrecognized value.
func StringToLevel(input string) zerolog.Level {
	level, err := zerolog.ParseLevel(input)
	if err != nil {
		log.Error().Err(err).Str("level", input).Msg("could not parse log level, defaulting to \"info\"")
		return zerolog.InfoLevel
	}
	return level
}

// Setup configures the package-level zerolog.Logger for the daemon.
// foreground runs (gdfs -f) get a human-readable console writer on
// stderr; all other runs get a plain JSON writer appending to
// <logDir>/gdfs.log. The returned file is nil (and need not be closed) for
// foreground runs.
func Setup(level zerolog.Level, logDir string, foreground bool) (*os.File, error) {
	zerolog.SetGlobalLevel(level)

	if foreground {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		return nil, nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("could not create log directory %q: %w", logDir, err)
	}
	path := filepath.Join(logDir, "gdfs.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file %q: %w", path, err)
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	return f, nil
}
