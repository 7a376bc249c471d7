package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/intake")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Errorf("expected default env development, got %s", cfg.Env)
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Errorf("expected postgres store, got %s", cfg.StoreDriver)
	}
	if cfg.IndexDriver != DriverPostgres {
		t.Errorf("expected index to follow the postgres store, got %s", cfg.IndexDriver)
	}
	if cfg.ArchiveDriver != DriverNone {
		t.Errorf("expected no archive by default, got %s", cfg.ArchiveDriver)
	}
	if cfg.ClassifyMaxAttempts != 3 || cfg.ClassifyBackoff != 500*time.Millisecond {
		t.Errorf("unexpected retry defaults: %d %s", cfg.ClassifyMaxAttempts, cfg.ClassifyBackoff)
	}
	if cfg.ReviewRetention != 720*time.Hour || cfg.ReviewSweepInterval != time.Hour {
		t.Errorf("unexpected review defaults: %s %s", cfg.ReviewRetention, cfg.ReviewSweepInterval)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Errorf("expected 60s request timeout, got %s", cfg.RequestTimeout)
	}
	if !cfg.ReviewHold {
		t.Error("expected review hold on by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_MemoryStoreNeedsNoDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("CLASSIFIER", "notes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StoreDriver != DriverMemory {
		t.Errorf("expected driver to be lower-cased, got %s", cfg.StoreDriver)
	}
	if cfg.IndexDriver != DriverMemory {
		t.Errorf("expected memory index, got %s", cfg.IndexDriver)
	}
	if cfg.NeedsPostgres() || cfg.NeedsAWS() {
		t.Error("memory store with notes classifier should need neither postgres nor aws")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestLoad_CORSOrigins(t *testing.T) {
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", cfg.CORSOrigins)
	}
	if cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("expected trimmed origin, got %q", cfg.CORSOrigins[1])
	}
}

func TestLoad_WebhookLists(t *testing.T) {
	t.Setenv("WEBHOOK_URLS", "https://hooks.example/a,https://hooks.example/b")
	t.Setenv("WEBHOOK_EVENTS", "review.*")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.WebhookURLs) != 2 || cfg.WebhookURLs[0] != "https://hooks.example/a" {
		t.Errorf("unexpected webhook urls: %v", cfg.WebhookURLs)
	}
	if len(cfg.WebhookEvents) != 1 || cfg.WebhookEvents[0] != "review.*" {
		t.Errorf("unexpected webhook events: %v", cfg.WebhookEvents)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StoreDriver:         DriverMemory,
			IndexDriver:         DriverMemory,
			ArchiveDriver:       DriverNone,
			Classifier:          ClassifierNotes,
			ClassifierChunkSize: 20000,
			ClassifyMaxAttempts: 3,
			IndexWorkers:        2,
			IndexQueueSize:      16,
			ReviewHold:          true,
			ReviewRetention:     time.Hour,
			ReviewSweepInterval: time.Minute,
			RateLimitRPS:        50,
			RateLimitBurst:      100,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown store", func(c *Config) { c.StoreDriver = "mongo" }, "STORE_DRIVER"},
		{"unknown index", func(c *Config) { c.IndexDriver = "elastic" }, "INDEX_DRIVER"},
		{"unknown archive", func(c *Config) { c.ArchiveDriver = "gcs" }, "ARCHIVE_DRIVER"},
		{"unknown classifier", func(c *Config) { c.Classifier = "regex" }, "CLASSIFIER"},
		{"postgres without url", func(c *Config) { c.StoreDriver = DriverPostgres }, "DATABASE_URL"},
		{"postgres index without url", func(c *Config) { c.IndexDriver = DriverPostgres }, "DATABASE_URL"},
		{"sqlite without path", func(c *Config) { c.StoreDriver = DriverSQLite }, "SQLITE_PATH"},
		{"s3 without bucket", func(c *Config) { c.ArchiveDriver = DriverS3; c.AWSRegion = "us-east-1" }, "ARCHIVE_S3_BUCKET"},
		{"half static credentials", func(c *Config) { c.ArchiveS3AccessKey = "minio" }, "ARCHIVE_S3_SECRET_KEY"},
		{"archive key version zero", func(c *Config) { c.ArchiveKey = "k"; c.ArchiveKeyVersion = 0 }, "ARCHIVE_KEY_VERSION"},
		{"previous keys without current", func(c *Config) { c.ArchivePreviousKeys = []string{"1:k"} }, "ARCHIVE_ENCRYPTION_KEY"},
		{"comprehend without region", func(c *Config) { c.Classifier = ClassifierComprehend }, "AWS_REGION"},
		{"zero attempts", func(c *Config) { c.ClassifyMaxAttempts = 0 }, "CLASSIFY_MAX_ATTEMPTS"},
		{"oversized chunk", func(c *Config) { c.ClassifierChunkSize = 20001 }, "CLASSIFIER_MAX_CHUNK_BYTES"},
		{"no index workers", func(c *Config) { c.IndexWorkers = 0 }, "INDEX_WORKERS"},
		{"index disabled ignores workers", func(c *Config) { c.IndexDriver = DriverNone; c.IndexWorkers = 0 }, ""},
		{"zero retention", func(c *Config) { c.ReviewRetention = 0 }, "REVIEW_RETENTION"},
		{"hold off ignores retention", func(c *Config) { c.ReviewHold = false; c.ReviewRetention = 0 }, ""},
		{"webhook secret without urls", func(c *Config) { c.WebhookSecret = "s" }, "WEBHOOK_URLS"},
		{"zero rate", func(c *Config) { c.RateLimitRPS = 0 }, "RATE_LIMIT"},
		{"burst below upload cost", func(c *Config) { c.RateLimitBurst = 5 }, "RATE_LIMIT_BURST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %s", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_IsDev(t *testing.T) {
	cfg := &Config{Env: "development"}
	if !cfg.IsDev() {
		t.Error("expected IsDev to be true")
	}
	cfg.Env = "production"
	if cfg.IsDev() || !cfg.IsProduction() {
		t.Error("expected production env")
	}
}
