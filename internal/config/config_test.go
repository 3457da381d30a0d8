package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3, cfg.Transport.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Transport.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Transport.MaxDelay)
	assert.Equal(t, 3, cfg.Sync.UploadMaxRetries)
	assert.Equal(t, 3, cfg.Sync.OutboxMaxAttempts)
	assert.Equal(t, 30*24*time.Hour, cfg.Sync.TrashRetention)
	assert.Equal(t, 100, cfg.Server.PageSize)
}

func TestLoad_fileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  url: https://paperless.home.arpa/
  trusted_hosts: [paperless.home.arpa]
transport:
  max_retries: 5
  initial_delay: 100ms
  max_delay: 2s
sync:
  full_sync_interval: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("PAPERLESS_SYNC_SYNC_UPLOAD_MAX_RETRIES", "7")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "https://paperless.home.arpa", cfg.Server.URL, "trailing slash trimmed")
	assert.Equal(t, []string{"paperless.home.arpa"}, cfg.Server.TrustedHosts)
	assert.Equal(t, 5, cfg.Transport.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Transport.InitialDelay)
	assert.Equal(t, time.Hour, cfg.Sync.FullSyncInterval)
	assert.Equal(t, 7, cfg.Sync.UploadMaxRetries)
	assert.Equal(t, "paperless.home.arpa", cfg.ServerHost())
	require.NoError(t, cfg.Validate())
}

func TestLoad_missingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Server.URL = "https://paperless.example"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.Server.URL = "" }},
		{"relative url", func(c *Config) { c.Server.URL = "paperless" }},
		{"zero page size", func(c *Config) { c.Server.PageSize = 0 }},
		{"max below initial", func(c *Config) { c.Transport.MaxDelay = c.Transport.InitialDelay / 2 }},
		{"zero interval", func(c *Config) { c.Sync.CheckInterval = 0 }},
		{"zero ceiling", func(c *Config) { c.Sync.UploadMaxRetries = 0 }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
