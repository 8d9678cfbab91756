// Package config loads the server configuration from environment
// variables. Every option has a sensible default so the server starts
// with nothing but WEBHOOK_SECRET set; a .env file is honored by main.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tracklab/projectsync/internal/resource"
)

// Config holds every recognized environment option.
type Config struct {
	// Sync.
	SyncEnabled  bool          // SYNC_ENABLED: run the initial sync on startup
	SyncTimeout  time.Duration // SYNC_TIMEOUT: hard budget for the initial sync
	SyncInterval time.Duration // SYNC_INTERVAL: periodic re-sync, 0 disables
	SyncTypes    []resource.Type

	// Storage.
	DataDir          string // DATA_DIR: metadata file, events/, subscriptions.db
	RetentionDays    int    // EVENT_RETENTION_DAYS
	MaxEventsInMem   int    // MAX_EVENTS_IN_MEMORY
	MetadataBackups  int    // METADATA_BACKUPS
	CompressMetadata bool   // METADATA_COMPRESS

	// Webhook / streaming.
	WebhookSecret string // WEBHOOK_SECRET: HMAC shared secret
	WebhookPort   int    // WEBHOOK_PORT
	StreamEnabled bool   // STREAM_ENABLED: push-stream endpoint

	// Remote API.
	RemoteBaseURL string // REMOTE_BASE_URL
	RemoteToken   string // REMOTE_TOKEN

	LogLevel string // LOG_LEVEL
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		SyncEnabled:      getBool("SYNC_ENABLED", true),
		DataDir:          getEnv("DATA_DIR", ".projectsync"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		StreamEnabled:    getBool("STREAM_ENABLED", true),
		CompressMetadata: getBool("METADATA_COMPRESS", false),
		RemoteBaseURL:    getEnv("REMOTE_BASE_URL", "https://api.github.com"),
		RemoteToken:      os.Getenv("REMOTE_TOKEN"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.SyncTimeout, err = getDuration("SYNC_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = getDuration("SYNC_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.WebhookPort, err = getInt("WEBHOOK_PORT", 8090); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = getInt("EVENT_RETENTION_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.MaxEventsInMem, err = getInt("MAX_EVENTS_IN_MEMORY", 1000); err != nil {
		return nil, err
	}
	if cfg.MetadataBackups, err = getInt("METADATA_BACKUPS", 3); err != nil {
		return nil, err
	}

	types, err := resource.ParseTypes(getEnv("SYNC_RESOURCE_TYPES", "project,milestone,issue,sprint"))
	if err != nil {
		return nil, fmt.Errorf("SYNC_RESOURCE_TYPES: %w", err)
	}
	cfg.SyncTypes = types

	if cfg.RetentionDays < 1 {
		return nil, fmt.Errorf("EVENT_RETENTION_DAYS must be at least 1, got %d", cfg.RetentionDays)
	}
	if cfg.MaxEventsInMem < 1 {
		return nil, fmt.Errorf("MAX_EVENTS_IN_MEMORY must be at least 1, got %d", cfg.MaxEventsInMem)
	}

	return cfg, nil
}

// getEnv returns the value of key, or defaultValue if unset or empty.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return parsed, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return parsed, nil
}
