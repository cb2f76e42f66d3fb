// Package config provides configuration management for Parley.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Parley.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the gateway.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds persistence configuration.
// Driver selects the backend: "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// PostgresDSN builds the connection string for the postgres driver.
func (d *DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EngineConfig holds orchestration engine limits.
type EngineConfig struct {
	MaxMessages int `mapstructure:"maxMessages"` // per-conversation message cap
}

// ApprovalConfig holds human-in-the-loop approval configuration.
type ApprovalConfig struct {
	PolicyFile     string `mapstructure:"policyFile"`     // YAML rule file; empty uses the built-in defaults
	DefaultTimeout int    `mapstructure:"defaultTimeout"` // in seconds
}

// DefaultTimeoutDuration returns the approval timeout as a time.Duration.
func (a *ApprovalConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(a.DefaultTimeout) * time.Second
}

// CleanupConfig holds background sweep configuration.
type CleanupConfig struct {
	ConversationIntervalHours int `mapstructure:"conversationIntervalHours"`
	ConversationMaxAgeHours   int `mapstructure:"conversationMaxAgeHours"`
	ApprovalSweepInterval     int `mapstructure:"approvalSweepInterval"` // in seconds
}

// ConversationInterval returns the conversation sweep cadence.
func (c *CleanupConfig) ConversationInterval() time.Duration {
	return time.Duration(c.ConversationIntervalHours) * time.Hour
}

// ConversationMaxAge returns the inactivity threshold for soft deletion.
func (c *CleanupConfig) ConversationMaxAge() time.Duration {
	return time.Duration(c.ConversationMaxAgeHours) * time.Hour
}

// ApprovalInterval returns the expired-approval sweep cadence.
func (c *CleanupConfig) ApprovalInterval() time.Duration {
	return time.Duration(c.ApprovalSweepInterval) * time.Second
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

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PARLEY_ENV"); env == "production" || env == "prod" {
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

	// Database defaults: sqlite in the working directory
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "parley.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "parley")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "parley")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "parley-engine")
	v.SetDefault("nats.maxReconnects", 10)

	// Engine defaults
	v.SetDefault("engine.maxMessages", 1000)

	// Approval defaults
	v.SetDefault("approval.policyFile", "")
	v.SetDefault("approval.defaultTimeout", 300)

	// Cleanup defaults
	v.SetDefault("cleanup.conversationIntervalHours", 1)
	v.SetDefault("cleanup.conversationMaxAgeHours", 24)
	v.SetDefault("cleanup.approvalSweepInterval", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PARLEY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/parley/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/parley/")

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

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown database.driver %q", cfg.Database.Driver))
	}

	if cfg.Engine.MaxMessages <= 0 {
		errs = append(errs, "engine.maxMessages must be positive")
	}
	if cfg.Approval.DefaultTimeout <= 0 {
		errs = append(errs, "approval.defaultTimeout must be positive")
	}
	if cfg.Cleanup.ConversationIntervalHours <= 0 {
		errs = append(errs, "cleanup.conversationIntervalHours must be positive")
	}
	if cfg.Cleanup.ApprovalSweepInterval <= 0 {
		errs = append(errs, "cleanup.approvalSweepInterval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
