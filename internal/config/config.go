// Package config loads the typed runtime configuration. Values come from
// an optional config file plus AMBERIZE_-prefixed environment variables;
// every key has a working default so a bare binary runs.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Bounds and defaults for the scheduler and the ingest pipeline.
const (
	DefaultSyncIntervalSecs  = 300
	MinSyncIntervalSecs      = 60
	DefaultMaxConcurrent     = 4
	DefaultUIDBatchSize      = 50
	DefaultMaxMessageBytes   = 100 * 1024 * 1024
	DefaultSearchResultLimit = 50
)

// Remote image policies for HTML rendering in the shell.
const (
	RemoteImagesBlock = "block"
	RemoteImagesAllow = "allow"
)

// Config is the typed runtime configuration of the archive core.
type Config struct {
	// ArchivePath is the database file location.
	ArchivePath string

	// SyncIntervalSecs is the scheduler cadence, clamped to at least 60.
	SyncIntervalSecs int

	// MaxConcurrentAccounts bounds parallel per-account syncs.
	MaxConcurrentAccounts int

	// UIDBatchSize bounds a single UID FETCH request.
	UIDBatchSize int

	// MaxMessageBytes is the hard cap on a single raw message.
	MaxMessageBytes int64

	// SearchResultLimit caps FTS search results.
	SearchResultLimit int

	// RemoteImagePolicy is "block" (default) or "allow".
	RemoteImagePolicy string

	// OAuthClientID / OAuthClientSecret are compiled-in or user-supplied
	// fallbacks; per-account values in the secret store win.
	OAuthClientID     string
	OAuthClientSecret string

	LogLevel string
}

// Load reads the configuration from the environment and, when present,
// the named config file.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AMBERIZE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("archive_path", "amberize.db")
	v.SetDefault("sync_interval_secs", DefaultSyncIntervalSecs)
	v.SetDefault("max_concurrent_accounts", DefaultMaxConcurrent)
	v.SetDefault("uid_batch_size", DefaultUIDBatchSize)
	v.SetDefault("max_message_bytes", DefaultMaxMessageBytes)
	v.SetDefault("search_result_limit", DefaultSearchResultLimit)
	v.SetDefault("remote_image_policy", RemoteImagesBlock)
	v.SetDefault("oauth_client_id", "")
	v.SetDefault("oauth_client_secret", "")
	v.SetDefault("log_level", "info")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		ArchivePath:           v.GetString("archive_path"),
		SyncIntervalSecs:      v.GetInt("sync_interval_secs"),
		MaxConcurrentAccounts: v.GetInt("max_concurrent_accounts"),
		UIDBatchSize:          v.GetInt("uid_batch_size"),
		MaxMessageBytes:       v.GetInt64("max_message_bytes"),
		SearchResultLimit:     v.GetInt("search_result_limit"),
		RemoteImagePolicy:     v.GetString("remote_image_policy"),
		OAuthClientID:         v.GetString("oauth_client_id"),
		OAuthClientSecret:     v.GetString("oauth_client_secret"),
		LogLevel:              v.GetString("log_level"),
	}

	return cfg, cfg.normalize()
}

func (c *Config) normalize() error {
	if c.SyncIntervalSecs < MinSyncIntervalSecs {
		c.SyncIntervalSecs = MinSyncIntervalSecs
	}
	if c.MaxConcurrentAccounts <= 0 {
		c.MaxConcurrentAccounts = DefaultMaxConcurrent
	}
	if c.UIDBatchSize <= 0 {
		c.UIDBatchSize = DefaultUIDBatchSize
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.SearchResultLimit <= 0 {
		c.SearchResultLimit = DefaultSearchResultLimit
	}
	switch c.RemoteImagePolicy {
	case RemoteImagesBlock, RemoteImagesAllow:
	default:
		return fmt.Errorf("invalid remote_image_policy %q (want %q or %q)",
			c.RemoteImagePolicy, RemoteImagesBlock, RemoteImagesAllow)
	}
	return nil
}
