package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the remote OpenCode server endpoint configuration
type ServerConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Secure  bool          `mapstructure:"secure"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ConnectionConfig holds connection lifecycle configuration
type ConnectionConfig struct {
	HealthInterval time.Duration `mapstructure:"health_interval"`
	AutoRestore    bool          `mapstructure:"auto_restore"`
}

// RetryConfig holds retry policy configuration for outbound requests
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// StreamConfig holds event stream consumption configuration
type StreamConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	ChunkTimeout time.Duration `mapstructure:"chunk_timeout"`
	BufferSize   int           `mapstructure:"buffer_size"`
}

// StateConfig holds durable state configuration
type StateConfig struct {
	Directory string `mapstructure:"directory"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	LogFile string `mapstructure:"log_file"`
	Persist bool   `mapstructure:"persist"`
	Level   string `mapstructure:"level"`
}

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Stream     StreamConfig     `mapstructure:"stream"`
	State      StateConfig      `mapstructure:"state"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerURL builds the base URL for the configured server
func (c *Config) ServerURL() string {
	scheme := "http"
	if c.Server.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Server.Host, c.Server.Port)
}

var (
	// Global config instance
	cfg *Config
)

// Get returns the global config instance
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// Load loads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	// Set defaults first
	setDefaults()

	// Configure viper
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			xdgConfigHome = filepath.Join(home, ".config")
		}
		nexusCfgHome := filepath.Join(xdgConfigHome, "nexus")

		viper.AddConfigPath("./.nexus")  // Check project directory first
		viper.AddConfigPath(nexusCfgHome) // Then check XDG config location
		viper.SetConfigType("yaml")
		viper.SetConfigName("settings.yaml")
	}

	// Enable environment variable support
	viper.AutomaticEnv()
	bindEnvironmentVariables()

	// Read config file if it exists; defaults and env cover the rest
	_ = viper.ReadInConfig()

	cfg = &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 4096)
	viper.SetDefault("server.secure", false)
	viper.SetDefault("server.timeout", "30s")

	viper.SetDefault("connection.health_interval", "30s")
	viper.SetDefault("connection.auto_restore", true)

	viper.SetDefault("retry.max_attempts", 5)
	viper.SetDefault("retry.initial_delay", "1s")
	viper.SetDefault("retry.max_delay", "16s")
	viper.SetDefault("retry.multiplier", 2.0)

	viper.SetDefault("stream.max_retries", 5)
	viper.SetDefault("stream.base_delay", "1s")
	viper.SetDefault("stream.max_delay", "16s")
	viper.SetDefault("stream.chunk_timeout", "60s")
	viper.SetDefault("stream.buffer_size", 100)

	viper.SetDefault("state.directory", ".nexus")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.log_file", "nexus.log")
	viper.SetDefault("logging.persist", false)
}

// bindEnvironmentVariables binds specific environment variables to viper keys
func bindEnvironmentVariables() {
	viper.BindEnv("server.host", "NEXUS_SERVER_HOST")
	viper.BindEnv("server.port", "NEXUS_SERVER_PORT")
	viper.BindEnv("server.secure", "NEXUS_SERVER_SECURE")
	viper.BindEnv("server.api_key", "NEXUS_API_KEY")
	viper.BindEnv("state.directory", "NEXUS_STATE_DIR")
	viper.BindEnv("logging.level", "NEXUS_LOG_LEVEL")
}

// Set replaces the global config instance (useful for testing)
func Set(c *Config) {
	cfg = c
}
