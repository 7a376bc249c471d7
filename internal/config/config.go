package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/NdodaEnde/Hospital-Platform/internal/platform/middleware"
)

// Store, index, archive and classifier drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
	DriverS3       = "s3"
	DriverNone     = "none"

	ClassifierComprehend = "comprehend"
	ClassifierNotes      = "notes"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver   string `mapstructure:"STORE_DRIVER"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	Classifier          string        `mapstructure:"CLASSIFIER"`
	AWSRegion           string        `mapstructure:"AWS_REGION"`
	ClassifierChunkSize int           `mapstructure:"CLASSIFIER_MAX_CHUNK_BYTES"`
	ClassifyMaxAttempts int           `mapstructure:"CLASSIFY_MAX_ATTEMPTS"`
	ClassifyBackoff     time.Duration `mapstructure:"CLASSIFY_BACKOFF"`

	IndexDriver    string `mapstructure:"INDEX_DRIVER"`
	IndexQueueSize int    `mapstructure:"INDEX_QUEUE_SIZE"`
	IndexWorkers   int    `mapstructure:"INDEX_WORKERS"`

	ArchiveDriver      string `mapstructure:"ARCHIVE_DRIVER"`
	ArchiveS3Bucket    string `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Endpoint  string `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3PathStyle bool   `mapstructure:"ARCHIVE_S3_PATH_STYLE"`
	ArchiveS3AccessKey string `mapstructure:"ARCHIVE_S3_ACCESS_KEY"`
	ArchiveS3SecretKey string `mapstructure:"ARCHIVE_S3_SECRET_KEY"`

	// ArchiveKey is a base64 AES-256 key; when set, archived documents are
	// sealed before they reach the backend.
	ArchiveKey          string   `mapstructure:"ARCHIVE_ENCRYPTION_KEY"`
	ArchiveKeyVersion   int      `mapstructure:"ARCHIVE_KEY_VERSION"`
	ArchivePreviousKeys []string `mapstructure:"ARCHIVE_PREVIOUS_KEYS"`

	ReviewHold          bool          `mapstructure:"REVIEW_HOLD"`
	ReviewRetention     time.Duration `mapstructure:"REVIEW_RETENTION"`
	ReviewSweepInterval time.Duration `mapstructure:"REVIEW_SWEEP_INTERVAL"`

	WebhookURLs   []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret string   `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents []string `mapstructure:"WEBHOOK_EVENTS"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var defaults = map[string]interface{}{
	"PORT":                       "8000",
	"ENV":                        "development",
	"LOG_LEVEL":                  "info",
	"STORE_DRIVER":               DriverPostgres,
	"DB_MAX_CONNS":               20,
	"DB_MIN_CONNS":               2,
	"SQLITE_PATH":                "intake.db",
	"MIGRATIONS_DIR":             "./migrations",
	"CLASSIFIER":                 ClassifierComprehend,
	"AWS_REGION":                 "us-east-1",
	"CLASSIFIER_MAX_CHUNK_BYTES": 20000,
	"CLASSIFY_MAX_ATTEMPTS":      3,
	"CLASSIFY_BACKOFF":           "500ms",
	"INDEX_DRIVER":               "",
	"INDEX_QUEUE_SIZE":           1024,
	"INDEX_WORKERS":              2,
	"ARCHIVE_DRIVER":             DriverNone,
	"ARCHIVE_S3_BUCKET":          "",
	"ARCHIVE_S3_ENDPOINT":        "",
	"ARCHIVE_S3_PATH_STYLE":      false,
	"ARCHIVE_S3_ACCESS_KEY":      "",
	"ARCHIVE_S3_SECRET_KEY":      "",
	"ARCHIVE_ENCRYPTION_KEY":     "",
	"ARCHIVE_KEY_VERSION":        1,
	"ARCHIVE_PREVIOUS_KEYS":      "",
	"REVIEW_HOLD":                true,
	"REVIEW_RETENTION":           "720h",
	"REVIEW_SWEEP_INTERVAL":      "1h",
	"WEBHOOK_URLS":               "",
	"WEBHOOK_SECRET":             "",
	"WEBHOOK_EVENTS":             "",
	"CORS_ORIGINS":               "http://localhost:3000",
	"RATE_LIMIT_RPS":             50,
	"RATE_LIMIT_BURST":           100,
	"BODY_LIMIT":                 "10M",
	"REQUEST_TIMEOUT":            "60s",
	"DATABASE_URL":               "",
}

// Load reads the environment, falling back to a .env file in the working
// directory. The result is not validated; call Validate before use.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		// explicit binding so Unmarshal sees env-only keys
		v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.IndexDriver = strings.ToLower(strings.TrimSpace(cfg.IndexDriver))
	cfg.ArchiveDriver = strings.ToLower(strings.TrimSpace(cfg.ArchiveDriver))
	cfg.Classifier = strings.ToLower(strings.TrimSpace(cfg.Classifier))
	if cfg.IndexDriver == "" {
		cfg.IndexDriver = DriverMemory
		if cfg.StoreDriver == DriverPostgres {
			cfg.IndexDriver = DriverPostgres
		}
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.WebhookURLs = splitList(cfg.WebhookURLs)
	cfg.WebhookEvents = splitList(cfg.WebhookEvents)
	cfg.ArchivePreviousKeys = splitList(cfg.ArchivePreviousKeys)

	return cfg, nil
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, o := range strings.Split(item, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NeedsPostgres reports whether any configured component uses the pgx pool.
func (c *Config) NeedsPostgres() bool {
	return c.StoreDriver == DriverPostgres || c.IndexDriver == DriverPostgres
}

// NeedsAWS reports whether an AWS config must be loaded.
func (c *Config) NeedsAWS() bool {
	return c.Classifier == ClassifierComprehend || c.ArchiveDriver == DriverS3
}

// Validate checks driver names and the settings each driver requires.
func (c *Config) Validate() error {
	if !oneOf(c.StoreDriver, DriverPostgres, DriverSQLite, DriverMemory) {
		return fmt.Errorf("STORE_DRIVER must be postgres, sqlite or memory, got %q", c.StoreDriver)
	}
	if !oneOf(c.IndexDriver, DriverPostgres, DriverMemory, DriverNone) {
		return fmt.Errorf("INDEX_DRIVER must be postgres, memory or none, got %q", c.IndexDriver)
	}
	if !oneOf(c.ArchiveDriver, DriverS3, DriverMemory, DriverNone) {
		return fmt.Errorf("ARCHIVE_DRIVER must be s3, memory or none, got %q", c.ArchiveDriver)
	}
	if !oneOf(c.Classifier, ClassifierComprehend, ClassifierNotes) {
		return fmt.Errorf("CLASSIFIER must be comprehend or notes, got %q", c.Classifier)
	}

	if c.NeedsPostgres() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER or INDEX_DRIVER is postgres")
	}
	if c.StoreDriver == DriverSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is sqlite")
	}
	if c.ArchiveDriver == DriverS3 && c.ArchiveS3Bucket == "" {
		return fmt.Errorf("ARCHIVE_S3_BUCKET is required when ARCHIVE_DRIVER is s3")
	}
	if (c.ArchiveS3AccessKey == "") != (c.ArchiveS3SecretKey == "") {
		return fmt.Errorf("ARCHIVE_S3_ACCESS_KEY and ARCHIVE_S3_SECRET_KEY must be set together")
	}
	if c.ArchiveKey != "" && c.ArchiveKeyVersion < 1 {
		return fmt.Errorf("ARCHIVE_KEY_VERSION must be positive, got %d", c.ArchiveKeyVersion)
	}
	if c.ArchiveKey == "" && len(c.ArchivePreviousKeys) > 0 {
		return fmt.Errorf("ARCHIVE_PREVIOUS_KEYS requires ARCHIVE_ENCRYPTION_KEY")
	}
	if c.NeedsAWS() && c.AWSRegion == "" {
		return fmt.Errorf("AWS_REGION is required for the comprehend classifier and the s3 archive")
	}

	if c.ClassifyMaxAttempts < 1 {
		return fmt.Errorf("CLASSIFY_MAX_ATTEMPTS must be at least 1, got %d", c.ClassifyMaxAttempts)
	}
	if c.ClassifyBackoff < 0 {
		return fmt.Errorf("CLASSIFY_BACKOFF must not be negative, got %s", c.ClassifyBackoff)
	}
	if c.ClassifierChunkSize < 1 || c.ClassifierChunkSize > 20000 {
		return fmt.Errorf("CLASSIFIER_MAX_CHUNK_BYTES must be between 1 and 20000, got %d", c.ClassifierChunkSize)
	}
	if c.IndexDriver != DriverNone && (c.IndexWorkers < 1 || c.IndexQueueSize < 1) {
		return fmt.Errorf("INDEX_WORKERS and INDEX_QUEUE_SIZE must be positive")
	}
	if c.ReviewHold && (c.ReviewRetention <= 0 || c.ReviewSweepInterval <= 0) {
		return fmt.Errorf("REVIEW_RETENTION and REVIEW_SWEEP_INTERVAL must be positive when REVIEW_HOLD is on")
	}
	if c.WebhookSecret != "" && len(c.WebhookURLs) == 0 {
		return fmt.Errorf("WEBHOOK_SECRET is set but WEBHOOK_URLS is empty")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	if c.RateLimitBurst < middleware.UploadCost {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least %d, the cost of one document upload, got %d", middleware.UploadCost, c.RateLimitBurst)
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
