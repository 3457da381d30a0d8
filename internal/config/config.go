// Package config loads runtime settings for the sync core.
//
// Values come from (in increasing priority) built-in defaults, an optional
// YAML file and PAPERLESS_SYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
)

// EnvPrefix is the prefix of environment overrides, e.g. PAPERLESS_SYNC_SERVER_URL.
const EnvPrefix = "PAPERLESS_SYNC"

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig describes the remote document server.
type ServerConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// TrustedHosts skip certificate verification (self-signed home servers).
	TrustedHosts      []string      `mapstructure:"trusted_hosts" yaml:"trusted_hosts"`
	PageSize          int           `mapstructure:"page_size" yaml:"page_size"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ProbeURL          string        `mapstructure:"probe_url" yaml:"probe_url"`
	ProbeExpectStatus int           `mapstructure:"probe_expect_status" yaml:"probe_expect_status"`
}

// StorageConfig locates the local database.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// TransportConfig holds the retry policy shared by every remote call.
type TransportConfig struct {
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// SyncConfig tunes the scheduler and the queues.
type SyncConfig struct {
	FullSyncInterval  time.Duration `mapstructure:"full_sync_interval" yaml:"full_sync_interval"`
	CheckInterval     time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	OutboxMaxAttempts int           `mapstructure:"outbox_max_attempts" yaml:"outbox_max_attempts"`
	UploadMaxRetries  int           `mapstructure:"upload_max_retries" yaml:"upload_max_retries"`
	TrashRetention    time.Duration `mapstructure:"trash_retention" yaml:"trash_retention"`
	InboxDir          string        `mapstructure:"inbox_dir" yaml:"inbox_dir"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "paperless-sync")
	}
	return ".paperless-sync"
}

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "")
	v.SetDefault("server.trusted_hosts", []string{})
	v.SetDefault("server.page_size", 100)
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("server.probe_url", "")
	v.SetDefault("server.probe_expect_status", 0)

	v.SetDefault("storage.data_dir", defaultDataDir())

	v.SetDefault("transport.max_retries", 3)
	v.SetDefault("transport.initial_delay", 500*time.Millisecond)
	v.SetDefault("transport.max_delay", 10*time.Second)

	v.SetDefault("sync.full_sync_interval", 6*time.Hour)
	v.SetDefault("sync.check_interval", time.Minute)
	v.SetDefault("sync.probe_interval", 30*time.Second)
	v.SetDefault("sync.outbox_max_attempts", 3)
	v.SetDefault("sync.upload_max_retries", 3)
	v.SetDefault("sync.trash_retention", 30*24*time.Hour)
	v.SetDefault("sync.inbox_dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path (optional) and decodes the result.
// An empty path searches the data directory and the working directory for
// config.yaml; a missing file there is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("storage.data_dir"))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "read config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode config", err)
	}
	cfg.Server.URL = strings.TrimRight(cfg.Server.URL, "/")
	return &cfg, nil
}

// Default returns the configuration built from defaults only.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks the settings needed to talk to the server.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return apperrors.New(apperrors.ErrValidation, "server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("server.url %q is not an absolute URL", c.Server.URL))
	}
	if c.Server.PageSize <= 0 {
		return apperrors.New(apperrors.ErrValidation, "server.page_size must be positive")
	}
	if c.Transport.MaxRetries < 0 {
		return apperrors.New(apperrors.ErrValidation, "transport.max_retries must not be negative")
	}
	if c.Transport.InitialDelay <= 0 {
		return apperrors.New(apperrors.ErrValidation, "transport.initial_delay must be positive")
	}
	if c.Transport.MaxDelay < c.Transport.InitialDelay {
		return apperrors.New(apperrors.ErrValidation, "transport.max_delay must not be below initial_delay")
	}
	for name, d := range map[string]time.Duration{
		"sync.full_sync_interval": c.Sync.FullSyncInterval,
		"sync.check_interval":     c.Sync.CheckInterval,
		"sync.probe_interval":     c.Sync.ProbeInterval,
		"sync.trash_retention":    c.Sync.TrashRetention,
	} {
		if d <= 0 {
			return apperrors.New(apperrors.ErrValidation, name+" must be positive")
		}
	}
	if c.Sync.OutboxMaxAttempts <= 0 || c.Sync.UploadMaxRetries <= 0 {
		return apperrors.New(apperrors.ErrValidation, "sync attempt ceilings must be positive")
	}
	return nil
}

// ServerHost returns the host part of the server URL.
func (c *Config) ServerHost() string {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// DatabasePath returns the SQLite file path inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, "paperless-sync.db")
}
