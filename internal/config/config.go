// Package config loads the server configuration from file, environment, and
// defaults, in that order of precedence, and validates it before anything
// else starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the complete server configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains the HTTP listener settings
	Server ServerConfig `mapstructure:"server"`

	// Database selects and configures the node store backend
	Database DatabaseConfig `mapstructure:"database"`

	// Index configures the local inverted index
	Index IndexConfig `mapstructure:"index"`

	// Auth configures token verification
	Auth AuthConfig `mapstructure:"auth"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is the log output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	// Address is the listen address, host:port
	Address string `mapstructure:"address" validate:"required"`

	// MaxRequestBodySize caps request bodies in bytes
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size" validate:"gt=0"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// EnableServerTiming adds Server-Timing response headers
	EnableServerTiming bool `mapstructure:"enable_server_timing"`
}

// DatabaseConfig selects the node store backend.
type DatabaseConfig struct {
	// Dialect is the database driver: mysql or sqlite
	Dialect string `mapstructure:"dialect" validate:"required,oneof=mysql sqlite"`

	// DSN is the driver connection string
	DSN string `mapstructure:"dsn" validate:"required"`
}

// IndexConfig configures the local inverted index.
type IndexConfig struct {
	// Directory is the index location on disk; empty keeps it in memory
	Directory string `mapstructure:"directory"`
}

// AuthConfig configures token verification.
type AuthConfig struct {
	// TokenSecret signs and verifies bearer tokens; empty disables token
	// auth and every caller is the Visitor
	TokenSecret string `mapstructure:"token_secret"`
}

// Load reads the configuration. Precedence: environment variables
// (CONTENTREPO_*), then the config file, then defaults. A missing file is
// fine; a malformed one is not.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONTENTREPO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("contentrepo")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/contentrepo")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: cannot read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal failed: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.max_request_body_size", 10<<20)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("database.dialect", "sqlite")
	v.SetDefault("database.dsn", "contentrepo.db")
	v.SetDefault("index.directory", "")
}

var validate = validator.New()

// Validate checks the configuration against its struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	return nil
}
