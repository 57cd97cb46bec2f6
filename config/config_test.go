package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalConfig() *Config {
	cfg := &Config{}
	cfg.API.Port = 8080
	cfg.Webhook.TokenSecret = "secret"
	return cfg
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := minimalConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Sync.DrainInterval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Sync.BackoffCap)
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.Retention)
	assert.Equal(t, 10, cfg.Catalog.RefreshBatch)
	assert.Equal(t, 30*24*time.Hour, cfg.Catalog.StaleThreshold)
	assert.Equal(t, 3*time.Minute, cfg.Catalog.PollInterval)
	assert.Equal(t, 60, cfg.Providers.BrickLink.RateCapacity)
	assert.Equal(t, time.Minute, cfg.Providers.BrickLink.RateWindow)
	assert.Equal(t, int64(1024), cfg.Webhook.PayloadMax)
	assert.Equal(t, time.Hour, cfg.Webhook.MaxEventAge)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestValidateCapsBatchSizes(t *testing.T) {
	cfg := minimalConfig()
	cfg.Sync.BatchSize = 500
	cfg.Catalog.RefreshBatch = 50
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 10, cfg.Catalog.RefreshBatch)
}

func TestValidateRequiredFields(t *testing.T) {
	cfg := &Config{}
	cfg.Webhook.TokenSecret = "secret"
	require.Error(t, cfg.Validate(), "missing API port")

	cfg = &Config{}
	cfg.API.Port = 8080
	require.Error(t, cfg.Validate(), "missing webhook token secret")

	cfg = minimalConfig()
	cfg.Database.Host = "localhost"
	require.Error(t, cfg.Validate(), "postgres host without port/user/name")
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
api:
  port: 8080
webhook:
  token_secret: from-file
database:
  host: db.internal
  port: 5432
  user: syncd
  database: syncd
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	t.Setenv("SYNCD_DB_HOST", "db.override")
	t.Setenv("SYNCD_WEBHOOK_TOKEN_SECRET", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "db.override", cfg.Database.Host)
	assert.Equal(t, "from-env", cfg.Webhook.TokenSecret)
	assert.Contains(t, cfg.Database.GetConnectionString(), "host=db.override")
	assert.Contains(t, cfg.Database.GetConnectionString(), "sslmode=disable")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
