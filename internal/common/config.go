// Package common provides shared utilities for the orchestrator: config
// loading, structured logging, the startup banner and version metadata.
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the orchestrator. It is loaded from an
// optional TOML file and then overlaid with environment variables.
type Config struct {
	Environment string          `toml:"environment"`
	ServiceName string          `toml:"service_name"`
	Server      ServerConfig    `toml:"server"`
	Store       StoreConfig     `toml:"store"`
	Broker      BrokerConfig    `toml:"broker"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StoreConfig holds the SurrealDB connection parameters.
type StoreConfig struct {
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
}

// BrokerConfig holds the Redis connection parameters.
type BrokerConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	// Prefix namespaces every broker key (ready_queue, delayed_queue, ...)
	// so multiple orchestrator deployments can share one Redis instance.
	Prefix string `toml:"prefix"`
}

// SchedulerConfig is the tunable scheduling surface: lease/heartbeat/retry
// timings, the janitor tick interval and the broker's logical queue key
// names. No hidden knobs — every field here is the full configuration
// surface for scheduling behavior.
type SchedulerConfig struct {
	LeaseTTLSeconds          int    `toml:"lease_ttl_seconds"`
	HeartbeatIntervalSeconds int    `toml:"heartbeat_interval_seconds"`
	MaxRetry                 int    `toml:"max_retry"`
	BaseDelaySeconds         int    `toml:"base_delay_seconds"`
	JanitorIntervalSeconds   int    `toml:"janitor_interval_seconds"`
	MaxConcurrent            int    `toml:"max_concurrent"`
	ReadyQueueKey            string `toml:"ready_queue_key"`
	DelayedQueueKey          string `toml:"delayed_queue_key"`
	DeadLetterQueueKey       string `toml:"dead_letter_queue_key"`
}

// LeaseTTL returns the configured lease TTL as a duration.
func (s SchedulerConfig) LeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTLSeconds) * time.Second
}

// HeartbeatInterval returns the configured heartbeat interval as a duration.
func (s SchedulerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

// BaseDelay returns the configured retry base delay as a duration.
func (s SchedulerConfig) BaseDelay() time.Duration {
	return time.Duration(s.BaseDelaySeconds) * time.Second
}

// JanitorInterval returns the configured janitor tick interval as a duration.
func (s SchedulerConfig) JanitorInterval() time.Duration {
	return time.Duration(s.JanitorIntervalSeconds) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string   `toml:"level"`
	Format  string   `toml:"format"`
	Outputs []string `toml:"outputs"`
}

// NewDefaultConfig returns a Config with the recommended deployment
// defaults: 300s lease TTL, 60s heartbeat, 3 retries, 10s base backoff,
// 30s janitor interval.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		ServiceName: "meridian",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Store: StoreConfig{
			Address:   "ws://localhost:8000/rpc",
			Username:  "root",
			Password:  "root",
			Namespace: "meridian",
			Database:  "orchestrator",
		},
		Broker: BrokerConfig{
			Addr:   "localhost:6379",
			DB:     0,
			Prefix: "meridian",
		},
		Scheduler: SchedulerConfig{
			LeaseTTLSeconds:          300,
			HeartbeatIntervalSeconds: 60,
			MaxRetry:                 3,
			BaseDelaySeconds:         10,
			JanitorIntervalSeconds:   30,
			MaxConcurrent:            5,
			ReadyQueueKey:            "ready_queue",
			DelayedQueueKey:          "delayed_queue",
			DeadLetterQueueKey:       "dead_letter_queue",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"console"},
		},
	}
}

// LoadConfig loads configuration from an optional TOML file and applies
// environment variable overrides on top. A missing path is not an error —
// the defaults plus env overrides are used instead.
func LoadConfig(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			if err := toml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies the ORCH_* environment variables on top of
// whatever the config file provided.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("ORCH_ENV"); v != "" {
		config.Environment = v
	}
	if v := os.Getenv("ORCH_SERVICE_NAME"); v != "" {
		config.ServiceName = v
	}
	if v := os.Getenv("ORCH_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("ORCH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.Server.Port = p
		}
	}
	if v := os.Getenv("ORCH_STORE_ADDRESS"); v != "" {
		config.Store.Address = v
	}
	if v := os.Getenv("ORCH_STORE_USERNAME"); v != "" {
		config.Store.Username = v
	}
	if v := os.Getenv("ORCH_STORE_PASSWORD"); v != "" {
		config.Store.Password = v
	}
	if v := os.Getenv("ORCH_STORE_NAMESPACE"); v != "" {
		config.Store.Namespace = v
	}
	if v := os.Getenv("ORCH_STORE_DATABASE"); v != "" {
		config.Store.Database = v
	}
	if v := os.Getenv("ORCH_BROKER_ADDR"); v != "" {
		config.Broker.Addr = v
	}
	if v := os.Getenv("ORCH_BROKER_PASSWORD"); v != "" {
		config.Broker.Password = v
	}
	if v := os.Getenv("ORCH_BROKER_DB"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			config.Broker.DB = d
		}
	}
	if v := os.Getenv("ORCH_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
