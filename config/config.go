// Package config loads the service configuration from YAML.
package config

import (
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/lidadreamer/ML-tornado/errors"
)

// Config is the full service configuration.
type Config struct {
	Http struct {
		Port           int           `yaml:"port"`
		Timeout        time.Duration `yaml:"timeout"`
		RateLimit      float64       `yaml:"rate_limit"`
		RateBurst      int           `yaml:"rate_burst"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Training struct {
		Workers   int  `yaml:"workers"`
		QueueSize int  `yaml:"queue_size"`
		Hydrate   bool `yaml:"hydrate"`
	} `yaml:"training"`
	Predict struct {
		CacheSize int `yaml:"cache_size"`
	} `yaml:"predict"`
	Log LogConfig `yaml:"log"`
}

// DatabaseConfig selects the SQL driver backing the feature store and model registry.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LogConfig controls the zap logger and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.Http.Port = 8000
	cfg.Http.Timeout = 5 * time.Minute
	cfg.Http.RateLimit = 0
	cfg.Http.RateBurst = 20
	cfg.Http.AllowedOrigins = []string{"*"}
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = "./data/sklearndatabase.db"
	cfg.Training.Workers = runtime.NumCPU()
	cfg.Training.QueueSize = 64
	cfg.Training.Hydrate = true
	cfg.Predict.CacheSize = 128
	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 100
	cfg.Log.MaxBackups = 3
	cfg.Log.MaxAgeDays = 28
	return cfg
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return errors.NewInvalidRequestError("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.NewInvalidRequestError("database dsn is required")
	}
	if c.Http.Port <= 0 || c.Http.Port > 65535 {
		return errors.NewInvalidRequestError("invalid http port %d", c.Http.Port)
	}
	if c.Training.Workers <= 0 {
		c.Training.Workers = 1
	}
	if c.Training.QueueSize < 0 {
		c.Training.QueueSize = 0
	}
	if c.Predict.CacheSize <= 0 {
		c.Predict.CacheSize = 1
	}
	return nil
}
