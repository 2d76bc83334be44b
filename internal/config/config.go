// Package config loads dispatch configuration from YAML and supports
// hot-reload through a file watcher.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendConfig describes one backend instance for a model.
type BackendConfig struct {
	Model    string            `yaml:"model"`
	Provider string            `yaml:"provider"`
	BaseURL  string            `yaml:"base_url"`
	APIKey   string            `yaml:"api_key"`
	Weight   int               `yaml:"weight"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// QueueConfig mirrors queue.Config in YAML form.
type QueueConfig struct {
	Workers         int           `yaml:"workers"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	MaxQueueSize    int           `yaml:"max_queue_size"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
}

// CacheConfig selects and tunes the response cache backend.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Type    string        `yaml:"type"` // "memory" or "redis"
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the cache.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// SessionConfig tunes the session store.
type SessionConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	MaxSessions       int           `yaml:"max_sessions"`
	DefaultMaxHistory int           `yaml:"default_max_history"`
	PersistPath       string        `yaml:"persist_path"`
}

// RetryConfig tunes the resilient client.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	Jitter         float64       `yaml:"jitter"`
}

// RateLimitConfig bounds the facade's request rate.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// LoggingConfig selects log output format and level.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig tunes the metrics collector.
type MetricsConfig struct {
	SnapshotDir string `yaml:"snapshot_dir"`
}

// Config is the root configuration.
type Config struct {
	DefaultModel string          `yaml:"default_model"`
	Backends     []BackendConfig `yaml:"backends"`
	Queue        QueueConfig     `yaml:"queue"`
	Cache        CacheConfig     `yaml:"cache"`
	Sessions     SessionConfig   `yaml:"sessions"`
	Retry        RetryConfig     `yaml:"retry"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Logging      LoggingConfig   `yaml:"logging"`
	Metrics      MetricsConfig   `yaml:"metrics"`
}

// LoadFromFile reads, parses, and validates a YAML configuration file.
func LoadFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Backends {
		if c.Backends[i].Weight <= 0 {
			c.Backends[i].Weight = 1
		}
		if c.Backends[i].Provider == "" {
			c.Backends[i].Provider = "openai-compatible"
		}
	}
	if c.Cache.Type == "" {
		c.Cache.Type = "memory"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one backend is required")
	}
	models := make(map[string]bool)
	for i, b := range c.Backends {
		if b.Model == "" {
			return fmt.Errorf("config: backends[%d] missing model", i)
		}
		if b.BaseURL == "" {
			return fmt.Errorf("config: backends[%d] (%s) missing base_url", i, b.Model)
		}
		models[b.Model] = true
	}
	if c.DefaultModel != "" && !models[c.DefaultModel] {
		return fmt.Errorf("config: default_model %q has no backend", c.DefaultModel)
	}
	if c.Cache.Type != "memory" && c.Cache.Type != "redis" {
		return fmt.Errorf("config: unknown cache type %q", c.Cache.Type)
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("config: rate_limit enabled with rps <= 0")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	return nil
}
