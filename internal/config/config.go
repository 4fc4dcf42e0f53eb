package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Agent   AgentConfig   `mapstructure:"agent"`
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AgentConfig defines the tracking agent settings
type AgentConfig struct {
	Endpoint          string `mapstructure:"endpoint"`           // Aggregator base URL
	CredentialsPath   string `mapstructure:"credentials_path"`   // Token store location
	ListenAddress     string `mapstructure:"listen_address"`     // Local activity signal endpoint
	IdleTimeout       string `mapstructure:"idle_timeout"`       // Silence before a session closes
	HeartbeatInterval string `mapstructure:"heartbeat_interval"` // Idle check cadence
	SyncInterval      string `mapstructure:"sync_interval"`      // Delivery cadence
	RequestTimeout    string `mapstructure:"request_timeout"`    // Per-delivery HTTP timeout
	MetricsPort       int    `mapstructure:"metrics_port"`
}

// ServerConfig defines aggregator server ports and addresses
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("CODETALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file. A missing file is fine: defaults plus
	// environment variables cover the common agent setup.
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	// Agent defaults
	v.SetDefault("agent.endpoint", "http://localhost:8080")
	v.SetDefault("agent.credentials_path", filepath.Join(home, ".codetally", "credentials.json"))
	v.SetDefault("agent.listen_address", "127.0.0.1:8472")
	v.SetDefault("agent.idle_timeout", "60s")
	v.SetDefault("agent.heartbeat_interval", "1s")
	v.SetDefault("agent.sync_interval", "20m")
	v.SetDefault("agent.request_timeout", "30s")
	v.SetDefault("agent.metrics_port", 0)

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.metrics_port", 9090)

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/codetally/codetally.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Agent.Endpoint == "" {
		return fmt.Errorf("agent endpoint is required")
	}

	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for bolt backend")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required for redis backend")
		}
	default:
		return fmt.Errorf("unknown storage type: %q", cfg.Storage.Type)
	}

	return nil
}
