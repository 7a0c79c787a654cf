package common

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestVersionIncludesLeadingV(t *testing.T) {
	t.Parallel()
	assert.Regexp(t, `^v\d+\.\d+\.\d+`, Version())
}

func TestStringToLevelDelegatesToLogger(t *testing.T) {
	t.Parallel()
	assert.Equal(t, zerolog.WarnLevel, StringToLevel("warn"))
}

func TestLogLevelsListsAllSeverities(t *testing.T) {
	t.Parallel()
	assert.Contains(t, LogLevels(), "debug")
	assert.Contains(t, LogLevels(), "fatal")
}
