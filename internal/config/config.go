package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the pipeline processes.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	ObjectStore ObjectStoreConfig
	Billing     BillingConfig
	AI          AIConfig
	Queue       QueueConfig
	Worker      WorkerConfig
	Reporter    ReporterConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

type BillingConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	OpenAI           OpenAIConfig
	Stability        StabilityConfig
}

type OpenAIConfig struct {
	APIKey     string
	ImageModel string
	TextModel  string
}

type StabilityConfig struct {
	APIKey string
	Model  string
}

type QueueConfig struct {
	MaxAttempts    int
	LeaseTimeout   time.Duration
	PollInterval   time.Duration
	ReaperInterval time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	DrainTimeout time.Duration
}

type ReporterConfig struct {
	BatchSize int
	Interval  time.Duration
}

var validProviders = map[string]bool{
	"openai":    true,
	"stability": true,
	"mock":      true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("PIPELINE_PORT", 8080),
			Env:             envString("PIPELINE_ENV", "development"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  os.Getenv("OBJECT_STORE_ENDPOINT"),
			AccessKey: os.Getenv("OBJECT_STORE_ACCESS_KEY"),
			SecretKey: os.Getenv("OBJECT_STORE_SECRET_KEY"),
			Bucket:    envString("OBJECT_STORE_BUCKET", "vellum-assets"),
			UseSSL:    envBool("OBJECT_STORE_USE_SSL", false),
			PublicURL: os.Getenv("OBJECT_STORE_PUBLIC_URL"),
		},
		Billing: BillingConfig{
			BaseURL:       os.Getenv("BILLING_BASE_URL"),
			APIKey:        os.Getenv("BILLING_API_KEY"),
			WebhookSecret: os.Getenv("BILLING_WEBHOOK_SECRET"),
			Timeout:       envDuration("BILLING_TIMEOUT", 15*time.Second),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "openai"),
			InferenceTimeout: envDuration("AI_INFERENCE_TIMEOUT", 90*time.Second),
			OpenAI: OpenAIConfig{
				APIKey:     os.Getenv("OPENAI_API_KEY"),
				ImageModel: envString("OPENAI_IMAGE_MODEL", "gpt-image-1"),
				TextModel:  envString("OPENAI_TEXT_MODEL", "gpt-4o-mini"),
			},
			Stability: StabilityConfig{
				APIKey: os.Getenv("STABILITY_API_KEY"),
				Model:  envString("STABILITY_MODEL", "sd3.5-large"),
			},
		},
		Queue: QueueConfig{
			MaxAttempts:    envInt("QUEUE_MAX_ATTEMPTS", 3),
			LeaseTimeout:   envDuration("QUEUE_LEASE_TIMEOUT", 2*time.Minute),
			PollInterval:   envDuration("QUEUE_POLL_INTERVAL", time.Second),
			ReaperInterval: envDuration("QUEUE_REAPER_INTERVAL", 30*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:  envInt("WORKER_CONCURRENCY", 4),
			DrainTimeout: envDuration("WORKER_DRAIN_TIMEOUT", 30*time.Second),
		},
		Reporter: ReporterConfig{
			BatchSize: envInt("REPORTER_BATCH_SIZE", 100),
			Interval:  envDuration("REPORTER_INTERVAL", 0),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Billing.BaseURL != "" &&
		!strings.HasPrefix(c.Billing.BaseURL, "http://") && !strings.HasPrefix(c.Billing.BaseURL, "https://") {
		return fmt.Errorf("BILLING_BASE_URL must start with http:// or https://, got %q", c.Billing.BaseURL)
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openai, stability, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "stability" && c.AI.Stability.APIKey == "" {
		return fmt.Errorf("STABILITY_API_KEY is required when AI_PROVIDER is stability")
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.LeaseTimeout <= 0 {
		return fmt.Errorf("QUEUE_LEASE_TIMEOUT must be positive, got %s", c.Queue.LeaseTimeout)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
