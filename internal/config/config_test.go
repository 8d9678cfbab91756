package config

import (
	"testing"
	"time"

	"github.com/tracklab/projectsync/internal/resource"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.SyncEnabled {
		t.Error("SyncEnabled default should be true")
	}
	if cfg.SyncTimeout != 30*time.Second {
		t.Errorf("SyncTimeout = %v, want 30s", cfg.SyncTimeout)
	}
	if cfg.SyncInterval != 0 {
		t.Errorf("SyncInterval = %v, want 0", cfg.SyncInterval)
	}
	if cfg.DataDir != ".projectsync" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.WebhookPort != 8090 {
		t.Errorf("WebhookPort = %d", cfg.WebhookPort)
	}
	if cfg.RetentionDays != 30 || cfg.MaxEventsInMem != 1000 || cfg.MetadataBackups != 3 {
		t.Errorf("storage defaults = %d/%d/%d", cfg.RetentionDays, cfg.MaxEventsInMem, cfg.MetadataBackups)
	}
	if len(cfg.SyncTypes) != 4 {
		t.Errorf("SyncTypes = %v, want the 4 syncable types", cfg.SyncTypes)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SYNC_ENABLED", "false")
	t.Setenv("SYNC_TIMEOUT", "5s")
	t.Setenv("SYNC_INTERVAL", "10m")
	t.Setenv("SYNC_RESOURCE_TYPES", "project,issue")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("WEBHOOK_PORT", "9999")
	t.Setenv("METADATA_COMPRESS", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.SyncEnabled {
		t.Error("SyncEnabled override not applied")
	}
	if cfg.SyncTimeout != 5*time.Second || cfg.SyncInterval != 10*time.Minute {
		t.Errorf("sync durations = %v/%v", cfg.SyncTimeout, cfg.SyncInterval)
	}
	if len(cfg.SyncTypes) != 2 || cfg.SyncTypes[0] != resource.TypeProject || cfg.SyncTypes[1] != resource.TypeIssue {
		t.Errorf("SyncTypes = %v", cfg.SyncTypes)
	}
	if cfg.WebhookSecret != "s3cret" || cfg.WebhookPort != 9999 {
		t.Errorf("webhook config = %q/%d", cfg.WebhookSecret, cfg.WebhookPort)
	}
	if !cfg.CompressMetadata {
		t.Error("METADATA_COMPRESS override not applied")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", "SYNC_TIMEOUT", "soon"},
		{"bad port", "WEBHOOK_PORT", "eighty"},
		{"bad retention", "EVENT_RETENTION_DAYS", "0"},
		{"bad buffer size", "MAX_EVENTS_IN_MEMORY", "-5"},
		{"unknown resource type", "SYNC_RESOURCE_TYPES", "project,widget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load accepted %s=%q", tt.key, tt.value)
			}
		})
	}
}
