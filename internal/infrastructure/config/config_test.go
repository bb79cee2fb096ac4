package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/iho/offledger/internal/infrastructure/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error loading config: %v", err)
	}

	if cfg.DatabaseURL == "" {
		t.Fatalf("expected default database URL to be set")
	}

	if cfg.JWTSecret != "" {
		t.Fatalf("expected JWT secret default to be empty, got %q", cfg.JWTSecret)
	}

	if cfg.KDFIterations < config.MinKDFIterations {
		t.Fatalf("expected default KDF iterations above minimum, got %d", cfg.KDFIterations)
	}

	if cfg.DuplicateThreshold != 0.7 || cfg.DuplicateWeightCounterparty != 0.4 {
		t.Fatalf("unexpected duplicate defaults: %v %v", cfg.DuplicateThreshold, cfg.DuplicateWeightCounterparty)
	}

	if cfg.DuplicateDateWindow != 72*time.Hour {
		t.Fatalf("expected 3 day duplicate window, got %s", cfg.DuplicateDateWindow)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LOCAL_DB_PATH", "/tmp/ledger.db")
	t.Setenv("REMOTE_URL", "https://sync.example")
	t.Setenv("SYNC_BATCH_SIZE", "10")
	t.Setenv("SYNC_BACKOFF_CAP", "1h")
	t.Setenv("DUPLICATE_THRESHOLD", "0.8")
	t.Setenv("KDF_ITERATIONS", "600000")
	t.Setenv("HTTP_PORT", "9090")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error loading config: %v", err)
	}

	if cfg.LocalDBPath != "/tmp/ledger.db" {
		t.Fatalf("expected custom db path, got %s", cfg.LocalDBPath)
	}

	if cfg.RemoteURL != "https://sync.example" {
		t.Fatalf("expected custom remote URL, got %s", cfg.RemoteURL)
	}

	if cfg.SyncBatchSize != 10 || cfg.SyncBackoffCap != time.Hour {
		t.Fatalf("expected sync overrides, got %d %s", cfg.SyncBatchSize, cfg.SyncBackoffCap)
	}

	if cfg.DuplicateThreshold != 0.8 {
		t.Fatalf("expected threshold override, got %v", cfg.DuplicateThreshold)
	}

	if cfg.KDFIterations != 600000 {
		t.Fatalf("expected KDF override, got %d", cfg.KDFIterations)
	}

	if cfg.HTTPPort != "9090" {
		t.Fatalf("expected HTTP port override, got %s", cfg.HTTPPort)
	}
}

func TestLoadRejectsWeakKDF(t *testing.T) {
	t.Setenv("KDF_ITERATIONS", "1000")

	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "KDF_ITERATIONS") {
		t.Fatalf("expected KDF validation error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "threshold above one", mutate: func(c *config.Config) { c.DuplicateThreshold = 1.5 }, wantErr: "DUPLICATE_THRESHOLD"},
		{name: "zero threshold", mutate: func(c *config.Config) { c.DuplicateThreshold = 0 }, wantErr: "DUPLICATE_THRESHOLD"},
		{name: "warning above critical", mutate: func(c *config.Config) { c.StorageWarning = 0.99 }, wantErr: "STORAGE_WARNING_RATIO"},
		{name: "zero batch", mutate: func(c *config.Config) { c.SyncBatchSize = 0 }, wantErr: "SYNC_BATCH_SIZE"},
		{name: "cap below base", mutate: func(c *config.Config) { c.SyncBackoffCap = time.Second }, wantErr: "SYNC_BACKOFF_BASE"},
		{name: "valid", mutate: func(c *config.Config) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				KDFIterations:      config.MinKDFIterations,
				DuplicateThreshold: 0.7,
				StorageWarning:     0.8,
				StorageCritical:    0.95,
				SyncBatchSize:      25,
				SyncBackoffBase:    2 * time.Second,
				SyncBackoffCap:     time.Minute,
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}
