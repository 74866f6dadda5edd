// Package config loads service configuration from an optional .env file,
// an optional config.yaml and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config stores all configuration for the service.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Backend BackendConfig
	Agent   AgentConfig
	Engine  EngineConfig
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Port     string
	LogLevel string `mapstructure:"log_level"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver      string        // memory, sqlite or postgres
	SQLitePath  string        `mapstructure:"sqlite_path"`
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Key         string
}

// BackendConfig points at the external trading backend.
type BackendConfig struct {
	URL     string
	Timeout time.Duration
}

// AgentConfig configures live assistant replies. Without an API key the
// assistant runs on canned replies.
type AgentConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string
}

// EngineConfig holds domain knobs.
type EngineConfig struct {
	Timezone     string
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Seed         int64
}

// Load reads configuration. dir is searched for config.yaml; a missing
// file is not an error, and neither is a missing .env.
func Load(dir string) (Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err == nil {
		slog.Debug("loaded .env", "dir", dir)
	}

	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names used by container platforms.
	bind(v, "server.port", "PORT")
	bind(v, "storage.database_url", "DATABASE_URL")
	bind(v, "storage.redis_url", "REDIS_URL")
	bind(v, "backend.url", "BACKEND_URL")
	bind(v, "agent.api_key", "ANTHROPIC_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
		if cfg.Storage.DatabaseURL != "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("storage.driver", "")
	v.SetDefault("storage.sqlite_path", "pearfect.db")
	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.cache_ttl", 30*time.Second)
	v.SetDefault("storage.key", "pearfect-storage")
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.model", "")
	v.SetDefault("engine.timezone", "Local")
	v.SetDefault("engine.tick_interval", 5*time.Second)
	v.SetDefault("engine.seed", 0)
}

func bind(v *viper.Viper, key, env string) {
	// BindEnv only fails when called without a key.
	_ = v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return errors.New("config: postgres storage requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Key == "" {
		return errors.New("config: storage key must not be empty")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("config: tick interval must be positive, got %s", c.Engine.TickInterval)
	}
	return nil
}

// Location resolves the timezone streak dates are computed in.
func (c Config) Location() (*time.Location, error) {
	if c.Engine.Timezone == "" || strings.EqualFold(c.Engine.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Engine.Timezone, err)
	}
	return loc, nil
}

// SlogLevel maps the configured log level onto slog.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
