// Package config provides configuration management for conductor.
// It supports loading configuration from environment variables, config
// files, and defaults, following the same section-per-concern layout the
// rest of the kernel's components are constructed from.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for conductor.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the reference HTTP+WebSocket adapter's bind address.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig selects and configures the ConversationStore/TurnTodoStore
// backend. Driver is "sqlite" (default), "postgres" or "memory".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int32  `mapstructure:"maxConns"`
}

// NATSConfig holds NATS event bus configuration. Empty URL selects the
// in-memory bus instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TracingConfig configures the OpenTelemetry TraceRecorder backend.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// SchedulerConfig configures the background scheduler tick.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tickInterval"`
}

// AgentConfig holds tunables for the supervisor/worker loop.
type AgentConfig struct {
	MaxToolIterations         int           `mapstructure:"maxToolIterations"`
	MaxToolIterationsWithPlan int           `mapstructure:"maxToolIterationsWithPlan"`
	MessageDedupWindow        time.Duration `mapstructure:"messageDedupWindow"`
	RecentConversationWindow  time.Duration `mapstructure:"recentConversationWindow"`
	AutoNameMessageThreshold  int           `mapstructure:"autoNameMessageThreshold"`
	MaxConcurrentWorkers      int           `mapstructure:"maxConcurrentWorkers"`
}

// LoggingConfig mirrors logger.Config's mapstructure tags so it can be
// decoded straight from the same viper instance.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Default returns a Config populated with the kernel's documented defaults
// (§9 of the spec: 5 minute dedup window, 10/30 iteration caps, etc).
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{Driver: "sqlite", Path: "./conductor.db", MaxConns: 4},
		Tracing:  TracingConfig{ServiceName: "conductor"},
		Scheduler: SchedulerConfig{
			TickInterval: 60 * time.Second,
		},
		Agent: AgentConfig{
			MaxToolIterations:         10,
			MaxToolIterationsWithPlan: 30,
			MessageDedupWindow:        5 * time.Minute,
			RecentConversationWindow:  10 * time.Minute,
			AutoNameMessageThreshold:  3,
			MaxConcurrentWorkers:      5,
		},
		Logging: LoggingConfig{Level: "info", Format: "console", OutputPath: "stdout"},
	}
}

// Load reads configuration from configPath (optional) and falls back to
// Default() for anything unset. Environment variables prefixed CONDUCTOR_
// override only keys that the config file sets; with no config file they
// are not consulted.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
