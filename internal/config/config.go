// Package config loads and validates the interceptor's runtime tunables
// from the environment, caching the result process-wide.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the interceptor service.
type Config struct {
	SyncThreshold           float64 `mapstructure:"sync_threshold"`
	MaxMessageLength        int     `mapstructure:"max_message_length"`
	CircuitBreakerThreshold int     `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerResetMs   int     `mapstructure:"circuit_breaker_reset_ms"`

	LogBackend LogBackendConfig `mapstructure:"log_backend"`
	Detector   DetectorConfig   `mapstructure:"detector"`

	WSPort     int `mapstructure:"ws_port"`
	HealthPort int `mapstructure:"health_port"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LogBackendConfig addresses the append-only log backend (NATS JetStream).
type LogBackendConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DetectorConfig addresses the downstream detection pipeline. It is an
// external collaborator the interceptor core never calls directly, but its
// address is part of the enumerated tunables per spec §6.
type DetectorConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig controls the zap logger's level and development mode.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ResetTimeout converts CircuitBreakerResetMs to a time.Duration.
func (c Config) ResetTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerResetMs) * time.Millisecond
}

var (
	once    sync.Once
	cached  Config
	loadErr error
)

// Load reads configuration from the environment (with optional config file
// overrides), validates it, and caches the result for the life of the
// process. Subsequent calls return the cached value.
func Load() (Config, error) {
	once.Do(func() {
		cached, loadErr = load()
	})
	return cached, loadErr
}

// ResetForTest clears the process-wide cache so the next Load call reloads
// from the environment. Intended for use by tests only.
func ResetForTest() {
	once = sync.Once{}
	cached = Config{}
	loadErr = nil
}

func load() (Config, error) {
	v := viper.New()

	v.SetDefault("sync_threshold", 0.65)
	v.SetDefault("max_message_length", 10000)
	v.SetDefault("circuit_breaker_threshold", 5)
	v.SetDefault("circuit_breaker_reset_ms", 30000)

	v.SetDefault("log_backend.host", "127.0.0.1")
	v.SetDefault("log_backend.port", 4222)

	v.SetDefault("detector.host", "127.0.0.1")
	v.SetDefault("detector.port", 9090)

	v.SetDefault("ws_port", 8080)
	v.SetDefault("health_port", 8081)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("interceptor")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	bindEnv(v)
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindEnv maps the service's flat environment variable names onto the
// nested mapstructure keys viper would otherwise expect as SECTION_FIELD.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("sync_threshold", "SYNC_THRESHOLD")
	_ = v.BindEnv("max_message_length", "MAX_MESSAGE_LENGTH")
	_ = v.BindEnv("circuit_breaker_threshold", "CIRCUIT_BREAKER_THRESHOLD")
	_ = v.BindEnv("circuit_breaker_reset_ms", "CIRCUIT_BREAKER_RESET_MS")
	_ = v.BindEnv("log_backend.host", "LOG_BACKEND_HOST")
	_ = v.BindEnv("log_backend.port", "LOG_BACKEND_PORT")
	_ = v.BindEnv("detector.host", "DETECTOR_HOST")
	_ = v.BindEnv("detector.port", "DETECTOR_PORT")
	_ = v.BindEnv("ws_port", "WS_PORT")
	_ = v.BindEnv("health_port", "HEALTH_PORT")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.development", "LOG_DEVELOPMENT")
}

func validate(cfg Config) error {
	if cfg.SyncThreshold < 0 || cfg.SyncThreshold > 1 {
		return fmt.Errorf("config: sync_threshold must be in [0,1], got %v", cfg.SyncThreshold)
	}
	if cfg.MaxMessageLength < 1 {
		return fmt.Errorf("config: max_message_length must be >= 1, got %d", cfg.MaxMessageLength)
	}
	if cfg.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("config: circuit_breaker_threshold must be >= 1, got %d", cfg.CircuitBreakerThreshold)
	}
	if cfg.CircuitBreakerResetMs < 1000 {
		return fmt.Errorf("config: circuit_breaker_reset_ms must be >= 1000, got %d", cfg.CircuitBreakerResetMs)
	}
	if cfg.WSPort <= 0 || cfg.WSPort > 65535 {
		return fmt.Errorf("config: ws_port must be a valid port, got %d", cfg.WSPort)
	}
	if cfg.HealthPort <= 0 || cfg.HealthPort > 65535 {
		return fmt.Errorf("config: health_port must be a valid port, got %d", cfg.HealthPort)
	}
	return nil
}
