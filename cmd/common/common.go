// Package common holds functions shared by gdfs's binaries.
package common

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/drivefs/gdfs/logger"
)

const version = "0.1.0"

var commit string

// Version returns the current version string.
func Version() string {
	clen := 0
	if len(commit) > 7 {
		clen = 8
	}
	return fmt.Sprintf("v%s %s", version, commit[:clen])
}

// StringToLevel converts a string to a zerolog.Level.
func StringToLevel(input string) zerolog.Level {
	return logger.StringToLevel(input)
}

// LogLevels returns the available logging levels.
func LogLevels() []string {
	return logger.LogLevels()
}
