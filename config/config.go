// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the sync service.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Sync      SyncConfig      `yaml:"sync"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Providers ProvidersConfig `yaml:"providers"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// DatabaseConfig holds PostgreSQL configuration. An empty host selects the
// in-memory store, for single-node dev mode.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds Redis configuration. Disabled redis degrades the catalog
// cache and adapter dedup log to in-process implementations.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	CORSOrigins []string      `yaml:"cors_origins"`
	RateLimit   int           `yaml:"rate_limit"`
	Timeout     time.Duration `yaml:"timeout"`
}

// MetricsConfig holds metrics server configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// SyncConfig tunes the outbox drain worker.
type SyncConfig struct {
	DrainInterval  time.Duration `yaml:"drain_interval"`
	BatchSize      int           `yaml:"batch_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	RetryJitterMax time.Duration `yaml:"retry_jitter_max"`
	Retention      time.Duration `yaml:"retention"`
}

// CatalogConfig tunes the reference-catalog refresh worker and poller.
type CatalogConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RefreshBatch    int           `yaml:"refresh_batch"`
	StaleThreshold  time.Duration `yaml:"stale_threshold"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// ProviderConfig is one marketplace's connection and budget settings.
type ProviderConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RateCapacity   int           `yaml:"rate_capacity"`
	RateWindow     time.Duration `yaml:"rate_window"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
}

// ProvidersConfig groups per-marketplace settings.
type ProvidersConfig struct {
	BrickLink ProviderConfig `yaml:"bricklink"`
	BrickOwl  ProviderConfig `yaml:"brickowl"`
}

// WebhookConfig tunes the webhook receiver.
type WebhookConfig struct {
	TokenSecret    string        `yaml:"token_secret"`
	PayloadMax     int64         `yaml:"payload_max"`
	MaxEventAge    time.Duration `yaml:"max_event_age"`
	CredentialsKey string        `yaml:"credentials_key"`
}

// LoadConfig loads configuration from a YAML file and applies SYNCD_
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Secrets are only
// ever read from the environment in container deployments.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SYNCD_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("SYNCD_DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Database.Port = p
		}
	}
	if v := os.Getenv("SYNCD_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("SYNCD_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("SYNCD_DB_NAME"); v != "" {
		c.Database.Database = v
	}

	if v := os.Getenv("SYNCD_REDIS_HOST"); v != "" {
		c.Redis.Host = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("SYNCD_REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = p
		}
	}
	if v := os.Getenv("SYNCD_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	if v := os.Getenv("SYNCD_WEBHOOK_TOKEN_SECRET"); v != "" {
		c.Webhook.TokenSecret = v
	}
	if v := os.Getenv("SYNCD_CREDENTIALS_KEY"); v != "" {
		c.Webhook.CredentialsKey = v
	}

	if v := os.Getenv("SYNCD_BRICKLINK_URL"); v != "" {
		c.Providers.BrickLink.BaseURL = v
	}
	if v := os.Getenv("SYNCD_BRICKOWL_URL"); v != "" {
		c.Providers.BrickOwl.BaseURL = v
	}
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Database.Host != "" {
		if c.Database.Port == 0 {
			return fmt.Errorf("database port is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
		if c.Database.MaxOpenConns <= 0 {
			c.Database.MaxOpenConns = 25
		}
		if c.Database.MaxIdleConns <= 0 {
			c.Database.MaxIdleConns = 5
		}
		if c.Database.ConnMaxLifetime <= 0 {
			c.Database.ConnMaxLifetime = 5 * time.Minute
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host is required when redis is enabled")
		}
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.CacheTTL <= 0 {
			c.Redis.CacheTTL = 15 * time.Minute
		}
	}

	if c.API.Port == 0 {
		return fmt.Errorf("API port is required")
	}
	if c.API.RateLimit <= 0 {
		c.API.RateLimit = 100
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = 30 * time.Second
	}

	if c.Metrics.Enabled && c.Metrics.Port == 0 {
		return fmt.Errorf("metrics port is required when metrics are enabled")
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Sync.DrainInterval <= 0 {
		c.Sync.DrainInterval = 30 * time.Second
	}
	if c.Sync.BatchSize <= 0 || c.Sync.BatchSize > 100 {
		c.Sync.BatchSize = 100
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = 5
	}
	if c.Sync.BackoffBase <= 0 {
		c.Sync.BackoffBase = time.Second
	}
	if c.Sync.BackoffCap <= 0 {
		c.Sync.BackoffCap = 5 * time.Minute
	}
	if c.Sync.RetryJitterMax <= 0 {
		c.Sync.RetryJitterMax = 5 * time.Second
	}
	if c.Sync.Retention <= 0 {
		c.Sync.Retention = 7 * 24 * time.Hour
	}

	if c.Catalog.RefreshInterval <= 0 {
		c.Catalog.RefreshInterval = 5 * time.Minute
	}
	if c.Catalog.RefreshBatch <= 0 || c.Catalog.RefreshBatch > 10 {
		c.Catalog.RefreshBatch = 10
	}
	if c.Catalog.StaleThreshold <= 0 {
		c.Catalog.StaleThreshold = 30 * 24 * time.Hour
	}
	if c.Catalog.PollInterval <= 0 {
		c.Catalog.PollInterval = 3 * time.Minute
	}

	if c.Providers.BrickLink.RateCapacity <= 0 {
		c.Providers.BrickLink.RateCapacity = 60
	}
	if c.Providers.BrickLink.RateWindow <= 0 {
		c.Providers.BrickLink.RateWindow = time.Minute
	}
	if c.Providers.BrickOwl.RateCapacity <= 0 {
		c.Providers.BrickOwl.RateCapacity = 60
	}
	if c.Providers.BrickOwl.RateWindow <= 0 {
		c.Providers.BrickOwl.RateWindow = time.Minute
	}

	if c.Webhook.TokenSecret == "" {
		return fmt.Errorf("webhook token secret is required")
	}
	if c.Webhook.PayloadMax <= 0 {
		c.Webhook.PayloadMax = 1024
	}
	if c.Webhook.MaxEventAge <= 0 {
		c.Webhook.MaxEventAge = time.Hour
	}

	return nil
}

// GetConnectionString returns the PostgreSQL connection string.
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// GetRedisAddr returns the Redis connection address.
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
