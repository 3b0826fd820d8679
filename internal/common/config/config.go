// Package config provides configuration management for the Memento
// coordination core. It supports loading configuration from environment
// variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Session    SessionConfig    `mapstructure:"session"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Agents     AgentsConfig     `mapstructure:"agents"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the health and
// WebSocket gateway endpoints.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// RedisConfig holds the connection settings for the key-value and
// streams backend that stores sessions, event logs, and replay records.
type RedisConfig struct {
	URL      string `mapstructure:"url"` // redis://host:port/db; empty means in-memory backend
	PoolSize int    `mapstructure:"poolSize"`
}

// DatabaseConfig holds the relational backend used to mirror checkpoint
// jobs. Driver "sqlite" keeps everything local-first; "postgres" uses DSN.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres, memory
	DSN      string `mapstructure:"dsn"`    // postgres DSN or sqlite file path
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	DefaultTTLSeconds   int `mapstructure:"defaultTtlSeconds"`   // 0 disables expiry
	GraceTTLSeconds     int `mapstructure:"graceTtlSeconds"`     // read-only window after expiry
	MaxEventsPerSession int `mapstructure:"maxEventsPerSession"` // event log tail size
	HandlerBudgetMs     int `mapstructure:"handlerBudgetMs"`     // bus handler time budget
}

// CheckpointConfig holds checkpoint pipeline configuration.
type CheckpointConfig struct {
	Interval               int  `mapstructure:"interval"`    // auto-checkpoint every N events
	Concurrency            int  `mapstructure:"concurrency"` // worker pool size
	MaxAttempts            int  `mapstructure:"maxAttempts"`
	RetryDelayMs           int  `mapstructure:"retryDelayMs"`
	ExponentialBackoff     bool `mapstructure:"exponentialBackoff"`
	DefaultHopCount        int  `mapstructure:"defaultHopCount"`
	Window                 int  `mapstructure:"window"` // events considered for seed derivation
	EnableFailureSnapshots bool `mapstructure:"enableFailureSnapshots"`
}

// GraphConfig holds the graph collaborator endpoint. An empty URL selects
// the in-process graph for local-first development.
type GraphConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// Timeout returns the graph call timeout as a time.Duration.
func (g *GraphConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// AgentsConfig holds agent registry configuration.
type AgentsConfig struct {
	MaxAgents           int `mapstructure:"maxAgents"`
	HeartbeatTimeoutMs  int `mapstructure:"heartbeatTimeoutMs"`
	StaleScanIntervalMs int `mapstructure:"staleScanIntervalMs"`
}

// ShutdownConfig holds graceful shutdown configuration.
type ShutdownConfig struct {
	GracePeriodSeconds int `mapstructure:"gracePeriodSeconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTTL returns the session TTL as a time.Duration.
func (s *SessionConfig) DefaultTTL() time.Duration {
	return time.Duration(s.DefaultTTLSeconds) * time.Second
}

// GraceTTL returns the grace window as a time.Duration.
func (s *SessionConfig) GraceTTL() time.Duration {
	return time.Duration(s.GraceTTLSeconds) * time.Second
}

// HandlerBudget returns the bus handler budget as a time.Duration.
func (s *SessionConfig) HandlerBudget() time.Duration {
	return time.Duration(s.HandlerBudgetMs) * time.Millisecond
}

// RetryDelay returns the job retry delay as a time.Duration.
func (c *CheckpointConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// HeartbeatTimeout returns the agent heartbeat timeout as a time.Duration.
func (a *AgentsConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(a.HeartbeatTimeoutMs) * time.Millisecond
}

// StaleScanInterval returns the stale agent scan interval as a time.Duration.
func (a *AgentsConfig) StaleScanInterval() time.Duration {
	return time.Duration(a.StaleScanIntervalMs) * time.Millisecond
}

// GracePeriod returns the shutdown grace period as a time.Duration.
func (s *ShutdownConfig) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MEMENTO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Redis defaults - empty URL means in-memory session backend
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.poolSize", 10)

	// Database defaults - sqlite keeps the job mirror local-first
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./memento.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "memento-coordinator")
	v.SetDefault("nats.maxReconnects", 10)

	// Session defaults
	v.SetDefault("session.defaultTtlSeconds", 3600)
	v.SetDefault("session.graceTtlSeconds", 300)
	v.SetDefault("session.maxEventsPerSession", 1000)
	v.SetDefault("session.handlerBudgetMs", 50)

	// Checkpoint defaults
	v.SetDefault("checkpoint.interval", 10)
	v.SetDefault("checkpoint.concurrency", 1)
	v.SetDefault("checkpoint.maxAttempts", 3)
	v.SetDefault("checkpoint.retryDelayMs", 5000)
	v.SetDefault("checkpoint.exponentialBackoff", false)
	v.SetDefault("checkpoint.defaultHopCount", 2)
	v.SetDefault("checkpoint.window", 10)
	v.SetDefault("checkpoint.enableFailureSnapshots", false)

	// Graph collaborator defaults - empty URL means in-process graph
	v.SetDefault("graph.url", "")
	v.SetDefault("graph.timeoutSeconds", 30)

	// Agent registry defaults
	v.SetDefault("agents.maxAgents", 64)
	v.SetDefault("agents.heartbeatTimeoutMs", 120000)
	v.SetDefault("agents.staleScanIntervalMs", 60000)

	// Shutdown defaults
	v.SetDefault("shutdown.gracePeriodSeconds", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MEMENTO_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/memento/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MEMENTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the well-known session env vars used by the
	// hosting application, plus camelCase keys AutomaticEnv cannot map.
	_ = v.BindEnv("redis.url", "SESSION_REDIS_URL", "MEMENTO_REDIS_URL")
	_ = v.BindEnv("database.dsn", "SESSION_PG_URL", "MEMENTO_DATABASE_DSN")
	_ = v.BindEnv("session.defaultTtlSeconds", "SESSION_TTL", "MEMENTO_SESSION_DEFAULT_TTL_SECONDS")
	_ = v.BindEnv("checkpoint.interval", "SESSION_CHECKPOINT_INTERVAL", "MEMENTO_CHECKPOINT_INTERVAL")
	_ = v.BindEnv("session.maxEventsPerSession", "MEMENTO_SESSION_MAX_EVENTS_PER_SESSION")
	_ = v.BindEnv("agents.heartbeatTimeoutMs", "MEMENTO_AGENTS_HEARTBEAT_TIMEOUT_MS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/memento/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// When SESSION_PG_URL provided a postgres DSN, switch the driver.
	if strings.HasPrefix(cfg.Database.DSN, "postgres://") || strings.HasPrefix(cfg.Database.DSN, "postgresql://") {
		cfg.Database.Driver = "postgres"
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Session.DefaultTTLSeconds < 0 {
		errs = append(errs, "session.defaultTtlSeconds must not be negative")
	}
	if cfg.Session.GraceTTLSeconds < 0 {
		errs = append(errs, "session.graceTtlSeconds must not be negative")
	}
	if cfg.Session.MaxEventsPerSession < 1 {
		errs = append(errs, "session.maxEventsPerSession must be at least 1")
	}

	if cfg.Checkpoint.Concurrency < 1 {
		errs = append(errs, "checkpoint.concurrency must be at least 1")
	}
	if cfg.Checkpoint.MaxAttempts < 1 {
		errs = append(errs, "checkpoint.maxAttempts must be at least 1")
	}
	if cfg.Checkpoint.RetryDelayMs < 0 {
		errs = append(errs, "checkpoint.retryDelayMs must not be negative")
	}
	if cfg.Checkpoint.DefaultHopCount < 1 || cfg.Checkpoint.DefaultHopCount > 5 {
		errs = append(errs, "checkpoint.defaultHopCount must be between 1 and 5")
	}

	if cfg.Agents.MaxAgents < 1 {
		errs = append(errs, "agents.maxAgents must be at least 1")
	}
	if cfg.Agents.HeartbeatTimeoutMs <= 0 {
		errs = append(errs, "agents.heartbeatTimeoutMs must be positive")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "memory": true}
	if !validDrivers[cfg.Database.Driver] {
		errs = append(errs, "database.driver must be one of: sqlite, postgres, memory")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
