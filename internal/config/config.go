// Package config loads fieldsync configuration from file, environment,
// and defaults. Precedence is flags > environment > config file >
// defaults; the config file is optional.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full fieldsync configuration tree.
type Config struct {
	DataDir       string `mapstructure:"data_dir"`
	RecordingsDir string `mapstructure:"recordings_dir"`

	API struct {
		BaseURL string `mapstructure:"base_url"`
		Token   string `mapstructure:"token"`
	} `mapstructure:"api"`

	Sync struct {
		Interval       time.Duration `mapstructure:"interval"`
		BatchSize      int           `mapstructure:"batch_size"`
		OnCellular     bool          `mapstructure:"on_cellular"`
		Network        string        `mapstructure:"network"`
		BackoffBase    time.Duration `mapstructure:"backoff_base"`
		BackoffMax     time.Duration `mapstructure:"backoff_max"`
		PruneCompleted time.Duration `mapstructure:"prune_completed"`
	} `mapstructure:"sync"`

	Upload struct {
		ChunkSize  int64 `mapstructure:"chunk_size"`
		Workers    int   `mapstructure:"workers"`
		MaxRetries int   `mapstructure:"max_retries"`
	} `mapstructure:"upload"`

	Dashboard struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"dashboard"`

	Log struct {
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
	} `mapstructure:"log"`
}

// DBPath returns the path of the local sync database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "fieldsync.db")
}

// setDefaults registers defaults on the given viper instance.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".fieldsync")

	v.SetDefault("data_dir", base)
	v.SetDefault("recordings_dir", filepath.Join(base, "recordings"))

	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.token", "")

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.batch_size", 20)
	v.SetDefault("sync.on_cellular", false)
	v.SetDefault("sync.network", "wifi")
	v.SetDefault("sync.backoff_base", 2*time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)
	v.SetDefault("sync.prune_completed", 7*24*time.Hour)

	v.SetDefault("upload.chunk_size", int64(5*1024*1024))
	v.SetDefault("upload.workers", 2)
	v.SetDefault("upload.max_retries", 3)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8787)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}

// Load reads configuration. cfgFile, when non-empty, names an explicit
// config file; otherwise fieldsync.yaml is searched for in the current
// directory and ~/.fieldsync. Environment variables use the FIELDSYNC_
// prefix with underscores, e.g. FIELDSYNC_API_BASE_URL.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fieldsync"))
		}
	}

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file is fine; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size must be positive")
	}
	if c.Upload.Workers <= 0 {
		return fmt.Errorf("upload.workers must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	switch c.Sync.Network {
	case "wifi", "cellular", "offline":
	default:
		return fmt.Errorf("sync.network must be wifi, cellular, or offline (got %q)", c.Sync.Network)
	}
	return nil
}
