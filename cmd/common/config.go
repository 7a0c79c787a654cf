package common

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/rs/zerolog/log"
)

// Config is gdfs's on-disk configuration (spec.md §6, "Config file
// gdfs.conf"): a line-oriented key=value file. MountUser is the only key
// spec.md itself names; CacheDir and LogLevel are the natural ambient
// extensions to the same file rather than a second config mechanism.
type Config struct {
	// MountUser is the user gdfs-auth chowns the auth file to
	// (gdfs.mount.user, defaults to root).
	MountUser string
	CacheDir  string
	LogLevel  string

	// OAuthClientID/OAuthClientSecret/OAuthTokenURL are the ambient OAuth2
	// client registration gdfs and gdfs-auth share (spec.md §4.6's
	// CredentialStore and §6's OAuth helper both need one); spec.md names
	// only gdfs.mount.user explicitly, but a client id/secret with no config
	// home would otherwise have to be hardcoded into the binary.
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
}

// configKeys maps gdfs.conf's recognized keys to the Config field they set.
var configKeys = map[string]func(c *Config, value string){
	"gdfs.mount.user":          func(c *Config, v string) { c.MountUser = v },
	"gdfs.cache.dir":           func(c *Config, v string) { c.CacheDir = v },
	"gdfs.log.level":           func(c *Config, v string) { c.LogLevel = v },
	"gdfs.oauth.client.id":     func(c *Config, v string) { c.OAuthClientID = v },
	"gdfs.oauth.client.secret": func(c *Config, v string) { c.OAuthClientSecret = v },
	"gdfs.oauth.token.url":     func(c *Config, v string) { c.OAuthTokenURL = v },
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		log.Error().Err(err).Msg("could not determine configuration directory")
	}
	return filepath.Join(confDir, "gdfs/gdfs.conf")
}

func defaultConfig() Config {
	cacheDir, _ := os.UserCacheDir()
	return Config{
		MountUser:     "root",
		CacheDir:      filepath.Join(cacheDir, "gdfs"),
		LogLevel:      "info",
		OAuthTokenURL: "https://oauth2.googleapis.com/token",
	}
}

// LoadConfig is the primary way of loading gdfs's config. A missing file is
// not an error: the documented defaults apply (spec.md has no concept of a
// required config file).
func LoadConfig(path string) *Config {
	defaults := defaultConfig()

	config, err := parseConfigFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("configuration file not found or unreadable, using defaults")
		return &defaults
	}
	if err := mergo.Merge(config, defaults); err != nil {
		log.Error().Err(err).Str("path", path).Msg("could not merge configuration file with defaults, using defaults only")
		return &defaults
	}
	return config
}

// parseConfigFile reads path as a line-oriented key=value file: blank lines
// and lines starting with "#" are ignored, unrecognized keys are logged and
// skipped rather than rejected (spec.md is silent on forward compatibility;
// failing the whole mount over one stray line would be the wrong default).
func parseConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	config := &Config{}
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			log.Warn().Str("path", path).Int("line", lineNum).Msg("malformed config line, ignoring")
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		set, ok := configKeys[key]
		if !ok {
			log.Warn().Str("path", path).Str("key", key).Msg("unrecognized config key, ignoring")
			continue
		}
		set(config, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return config, nil
}

// WriteConfig writes c to path in gdfs.conf's key=value format.
func (c Config) WriteConfig(path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "gdfs.mount.user=%s\n", c.MountUser)
	fmt.Fprintf(&b, "gdfs.cache.dir=%s\n", c.CacheDir)
	fmt.Fprintf(&b, "gdfs.log.level=%s\n", c.LogLevel)
	if c.OAuthClientID != "" {
		fmt.Fprintf(&b, "gdfs.oauth.client.id=%s\n", c.OAuthClientID)
	}
	if c.OAuthClientSecret != "" {
		fmt.Fprintf(&b, "gdfs.oauth.client.secret=%s\n", c.OAuthClientSecret)
	}
	if c.OAuthTokenURL != "" {
		fmt.Fprintf(&b, "gdfs.oauth.token.url=%s\n", c.OAuthTokenURL)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		log.Error().Err(err).Msg("could not create config directory")
		return err
	}
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		log.Error().Err(err).Msg("could not write config to disk")
		return err
	}
	return nil
}
