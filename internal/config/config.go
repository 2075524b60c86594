// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Steps         StepsConfig         `yaml:"steps"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig describes execution engine and dispatcher settings.
type EngineConfig struct {
	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions"`
	RollbackTimeout         time.Duration `yaml:"rollback_timeout"`
	RetentionDays           int           `yaml:"retention_days"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"`
}

// StepsConfig describes where step executors read and write.
type StepsConfig struct {
	PluginsDir       string        `yaml:"plugins_dir"`
	ArtifactDir      string        `yaml:"artifact_dir"`
	DeployRoot       string        `yaml:"deploy_root"`
	HistoryDir       string        `yaml:"history_dir"`
	ManifestFile     string        `yaml:"manifest_file"`
	TestInterpreter  []string      `yaml:"test_interpreter"`
	TestTimeout      time.Duration `yaml:"test_timeout"`
	TestOutputLimit  int           `yaml:"test_output_limit"`
	MonitorFreshness time.Duration `yaml:"monitor_freshness"`
}

// DefinitionsConfig describes where user-defined workflows are persisted.
type DefinitionsConfig struct {
	File      string `yaml:"file"`
	HotReload bool   `yaml:"hot_reload"`
}

// StoreConfig describes execution persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// NotificationsConfig describes where execution summaries are published.
type NotificationsConfig struct {
	Driver        string               `yaml:"driver"`
	AddrEnv       string               `yaml:"addr_env"`
	DB            int                  `yaml:"db"`
	ChannelPrefix string               `yaml:"channel_prefix"`
	Timeout       time.Duration        `yaml:"timeout"`
	Breaker       CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			MaxConcurrentExecutions: 10,
			RollbackTimeout:         2 * time.Minute,
			RetentionDays:           30,
			CleanupInterval:         time.Hour,
		},
		Steps: StepsConfig{
			PluginsDir:       "/var/lib/stagehand/plugins",
			ArtifactDir:      "/var/lib/stagehand/artifacts",
			DeployRoot:       "/var/lib/stagehand/deployed",
			HistoryDir:       "/var/lib/stagehand/history",
			ManifestFile:     "plugin.yaml",
			TestInterpreter:  []string{"sh"},
			TestTimeout:      60 * time.Second,
			TestOutputLimit:  64 * 1024,
			MonitorFreshness: 10 * time.Minute,
		},
		Definitions: DefinitionsConfig{
			File: "/var/lib/stagehand/workflows.yaml",
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "STAGEHAND_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Idempotency: IdempotencyConfig{
			Driver:     "memory",
			AddrEnv:    "STAGEHAND_REDIS_ADDR",
			DefaultTTL: 24 * time.Hour,
		},
		Notifications: NotificationsConfig{
			Driver:        "log",
			AddrEnv:       "STAGEHAND_REDIS_ADDR",
			ChannelPrefix: "stagehand:",
			Timeout:       10 * time.Second,
			Breaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path skips the file and uses defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Engine.MaxConcurrentExecutions < 1 {
		errs = append(errs, "engine.max_concurrent_executions must be at least 1")
	}
	if c.Engine.RetentionDays < 0 {
		errs = append(errs, "engine.retention_days must not be negative")
	}
	if c.Steps.PluginsDir == "" {
		errs = append(errs, "steps.plugins_dir is required")
	}
	if c.Steps.DeployRoot == "" {
		errs = append(errs, "steps.deploy_root is required")
	}
	if c.Steps.ArtifactDir == "" {
		errs = append(errs, "steps.artifact_dir is required")
	}
	if len(c.Steps.TestInterpreter) == 0 {
		errs = append(errs, "steps.test_interpreter is required")
	}
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q is not supported (memory, redis)", c.Idempotency.Driver))
		}
	}
	switch c.Notifications.Driver {
	case "log", "redis", "none":
	default:
		errs = append(errs, fmt.Sprintf("notifications.driver %q is not supported (log, redis, none)", c.Notifications.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STAGEHAND_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STAGEHAND_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STAGEHAND_MAX_CONCURRENT_EXECUTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxConcurrentExecutions = n
		}
	}
	if v := os.Getenv("STAGEHAND_PLUGINS_DIR"); v != "" {
		cfg.Steps.PluginsDir = v
	}
	if v := os.Getenv("STAGEHAND_DEPLOY_ROOT"); v != "" {
		cfg.Steps.DeployRoot = v
	}
	if v := os.Getenv("STAGEHAND_ARTIFACT_DIR"); v != "" {
		cfg.Steps.ArtifactDir = v
	}
	if v := os.Getenv("STAGEHAND_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STAGEHAND_NOTIFICATIONS_DRIVER"); v != "" {
		cfg.Notifications.Driver = v
	}
	if v := os.Getenv("STAGEHAND_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
