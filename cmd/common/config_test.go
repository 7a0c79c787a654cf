package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gdfs.conf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoadConfigReadsRecognizedKeys(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, "gdfs.mount.user=alice\ngdfs.cache.dir=/some/directory\ngdfs.log.level=warn\n")

	conf := LoadConfig(path)
	assert.Equal(t, "alice", conf.MountUser)
	assert.Equal(t, "/some/directory", conf.CacheDir)
	assert.Equal(t, "warn", conf.LogLevel)
}

func TestLoadConfigIgnoresBlankLinesAndComments(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, "# a comment\n\ngdfs.mount.user=bob\n")

	conf := LoadConfig(path)
	assert.Equal(t, "bob", conf.MountUser)
}

func TestLoadConfigMergesDefaultsForMissingKeys(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, "gdfs.mount.user=carol\n")

	conf := LoadConfig(path)
	assert.Equal(t, "carol", conf.MountUser)
	assert.Equal(t, "info", conf.LogLevel)
	assert.NotEmpty(t, conf.CacheDir)
}

func TestLoadNonexistentConfigUsesDefaults(t *testing.T) {
	t.Parallel()
	conf := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	assert.Equal(t, "root", conf.MountUser)
	assert.Equal(t, "info", conf.LogLevel)
}

func TestWriteConfigRoundTrips(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "gdfs.conf")
	original := Config{MountUser: "dave", CacheDir: "/tmp/gdfs-cache", LogLevel: "debug"}
	require.NoError(t, original.WriteConfig(path))

	reloaded := LoadConfig(path)
	assert.Equal(t, original.MountUser, reloaded.MountUser)
	assert.Equal(t, original.CacheDir, reloaded.CacheDir)
	assert.Equal(t, original.LogLevel, reloaded.LogLevel)
}
