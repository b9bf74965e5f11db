// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/regintel/crawl-engine/internal/engine"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logs      LogsConfig      `mapstructure:"logs"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Units     []UnitConfig    `mapstructure:"units"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ExecutorConfig holds retry and timeout defaults for single-unit execution.
type ExecutorConfig struct {
	MaxAttempts       int     `mapstructure:"max_attempts"`
	BackoffBaseMs     int     `mapstructure:"backoff_base_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
}

// PipelineConfig governs orchestrator fan-out.
type PipelineConfig struct {
	Concurrency   int `mapstructure:"concurrency"`
	QuickMaxItems int `mapstructure:"quick_max_items"`
}

// SchedulerConfig controls the due-job poll loop.
type SchedulerConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	PollIntervalSeconds int  `mapstructure:"poll_interval_seconds"`
	BatchLimit          int  `mapstructure:"batch_limit"`
}

// StorageConfig selects and configures the job store backend.
type StorageConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
	ConnLifetime int    `mapstructure:"conn_lifetime_seconds"`
}

// LogsConfig sets the run-log artifact root and size cap.
type LogsConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// OutboxConfig selects the downstream item publisher.
type OutboxConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// RedisConfig points at the cache cleared by the reset operation.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// UnitConfig maps a registered unit name to a factory plus static settings.
type UnitConfig struct {
	Name     string         `mapstructure:"name"`
	Kind     string         `mapstructure:"kind"`
	Label    string         `mapstructure:"label"`
	Category string         `mapstructure:"category"`
	SourceID string         `mapstructure:"source_id"`
	BaseURL  string         `mapstructure:"base_url"`
	Settings map[string]any `mapstructure:"settings"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("executor.max_attempts", 3)
	v.SetDefault("executor.backoff_base_ms", 500)
	v.SetDefault("executor.backoff_multiplier", 2.0)
	v.SetDefault("executor.backoff_max_ms", 30000)
	v.SetDefault("executor.timeout_seconds", 20)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.quick_max_items", 1)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval_seconds", 30)
	v.SetDefault("scheduler.batch_limit", 50)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("logs.dir", "logs/runs")
	v.SetDefault("logs.max_bytes", 1<<20)
	v.SetDefault("outbox.provider", "memory")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor.max_attempts must be > 0")
	}
	if c.Executor.TimeoutSeconds <= 0 {
		return fmt.Errorf("executor.timeout_seconds must be > 0")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if c.Scheduler.PollIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.poll_interval_seconds must be > 0")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Outbox.Provider {
	case "memory":
	case "pubsub":
		if c.Outbox.ProjectID == "" || c.Outbox.Topic == "" {
			return fmt.Errorf("outbox.project_id and outbox.topic must be set when outbox.provider is pubsub")
		}
	default:
		return fmt.Errorf("unknown outbox.provider %q", c.Outbox.Provider)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// RetryDefaults converts the executor section into the engine retry config.
func (c Config) RetryDefaults() engine.RetryConfig {
	return engine.RetryConfig{
		MaxAttempts:       c.Executor.MaxAttempts,
		BackoffBaseMs:     c.Executor.BackoffBaseMs,
		BackoffMultiplier: c.Executor.BackoffMultiplier,
		BackoffMaxMs:      c.Executor.BackoffMaxMs,
	}
}

// UnitTimeout returns the default per-attempt wall clock budget.
func (c Config) UnitTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutSeconds) * time.Second
}

// PollInterval returns the scheduler scan cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}
