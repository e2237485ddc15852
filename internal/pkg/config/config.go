package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/V4T54L/leadflow/internal/usecase"
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	APIServerAddr   string `env:"API_ADDR" envDefault:":8080"`
	AdminServerAddr string `env:"ADMIN_ADDR" envDefault:":9091"`
	MaxUploadBytes  int64  `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"` // 10MB

	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`

	PostgresURL string `env:"POSTGRES_URL,required"`
	RedisAddr   string `env:"REDIS_ADDR,required"` // redis:// URL
	AMQPURL     string `env:"AMQP_URL"`

	WALPath        string `env:"WAL_PATH" envDefault:"./wal"`
	WALSegmentSize int64  `env:"WAL_SEGMENT_SIZE_BYTES" envDefault:"104857600"`   // 100MB
	WALMaxDiskSize int64  `env:"WAL_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB

	APIKeyCacheTTL     time.Duration `env:"API_KEY_CACHE_TTL" envDefault:"5m"`
	PIIRedactionFields []string      `env:"PII_REDACTION_FIELDS" envDefault:"phone,ssn,date_of_birth" envSeparator:","`

	DedupStripPlusAlias bool     `env:"DEDUP_STRIP_PLUS_ALIAS" envDefault:"false"`
	DedupWindowDays     int      `env:"DEDUP_WINDOW_DAYS" envDefault:"0"` // all history; 30 for a monthly look-back
	RequiredFields      []string `env:"REQUIRED_FIELDS" envDefault:"first_name,last_name,company,title" envSeparator:","`
	AllocationPriority  string   `env:"ALLOCATION_PRIORITY" envDefault:"plan"`
	AllocationStrategy  string   `env:"ALLOCATION_STRATEGY" envDefault:"fill"`
	QuotaPeriod         string   `env:"QUOTA_PERIOD" envDefault:"monthly"`
	PlansFile           string   `env:"PLANS_FILE"`

	PersonalizationWorkers int           `env:"PERSONALIZATION_WORKERS" envDefault:"4"`
	ExternalCallTimeout    time.Duration `env:"EXTERNAL_CALL_TIMEOUT" envDefault:"30s"`
	RetryAttempts          int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBackoff           time.Duration `env:"RETRY_BACKOFF" envDefault:"1s"`
	ExclusiveRetention     time.Duration `env:"EXCLUSIVE_RETENTION" envDefault:"2160h"` // 90 days

	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	GeminiModel  string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	GeminiRPM    int    `env:"GEMINI_RPM" envDefault:"60"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	FromEmail    string `env:"FROM_EMAIL" envDefault:"leads@leadflow.local"`

	DriveCredentialsFile string `env:"DRIVE_CREDENTIALS_FILE"`
	DriveFolderID        string `env:"DRIVE_FOLDER_ID"`
	NotionToken          string `env:"NOTION_TOKEN"`
	NotionDatabaseID     string `env:"NOTION_DATABASE_ID"`

	DeliveryDir        string        `env:"DELIVERY_DIR" envDefault:"./deliveries"`
	ProcessingInterval time.Duration `env:"PROCESSING_INTERVAL" envDefault:"5s"`
	LeftoverInterval   time.Duration `env:"LEFTOVER_INTERVAL" envDefault:"1h"`
	PruneInterval      time.Duration `env:"PRUNE_INTERVAL" envDefault:"24h"`
	RunLockTTL         time.Duration `env:"RUN_LOCK_TTL" envDefault:"30m"`
	CheckpointTTL      time.Duration `env:"CHECKPOINT_TTL" envDefault:"168h"`
	ConsumerGroup      string        `env:"CONSUMER_GROUP" envDefault:"batch_workers"`
	DLQStream          string        `env:"DLQ_STREAM" envDefault:"lead_batches_dlq"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Pipeline converts the env settings into the run configuration.
func (c *Config) Pipeline() (usecase.PipelineConfig, error) {
	policy, err := usecase.ParsePriorityPolicy(c.AllocationPriority)
	if err != nil {
		return usecase.PipelineConfig{}, err
	}
	strategy, err := usecase.ParseAllocationStrategy(c.AllocationStrategy)
	if err != nil {
		return usecase.PipelineConfig{}, err
	}
	period, err := domain.ParseQuotaPeriod(c.QuotaPeriod)
	if err != nil {
		return usecase.PipelineConfig{}, err
	}
	if c.PersonalizationWorkers < 1 {
		return usecase.PipelineConfig{}, fmt.Errorf("PERSONALIZATION_WORKERS must be at least 1, got %d", c.PersonalizationWorkers)
	}

	cfg := usecase.DefaultPipelineConfig()
	cfg.RequiredFields = trimAll(c.RequiredFields)
	cfg.Dedup = usecase.DedupConfig{StripPlusAlias: c.DedupStripPlusAlias, WindowDays: c.DedupWindowDays}
	cfg.Allocator = usecase.AllocatorConfig{Policy: policy, Strategy: strategy}
	cfg.QuotaPeriod = period
	cfg.Workers = c.PersonalizationWorkers
	cfg.ExternalCallTimeout = c.ExternalCallTimeout
	cfg.Retry = usecase.RetryPolicy{Attempts: c.RetryAttempts, Backoff: c.RetryBackoff}
	return cfg, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
