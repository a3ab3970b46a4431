package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingAPIKey is returned when no upstream credential is configured.
var ErrMissingAPIKey = errors.New("DEEPSEEK_API_KEY is required")

// Config holds process-wide settings. It is read-only after Load returns.
type Config struct {
	HTTP     HTTPConfig
	Upstream UpstreamConfig
	Limits   LimitsConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Auth     AuthConfig
	LogLevel string
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	AllowOrigins    []string
}

// UpstreamConfig describes the chat-completion endpoint.
type UpstreamConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	MaxConcurrency int
}

type LimitsConfig struct {
	MaxImageBytes    int64
	BatchMaxFiles    int
	BatchConcurrency int
}

// RedisConfig enables the result cache when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

// DatabaseConfig enables the audit log when DSN is set.
type DatabaseConfig struct {
	DSN string
}

// AuthConfig enables bearer JWT checks on verification routes when Secret is set.
type AuthConfig struct {
	Secret   string
	Audience string
}

// Load reads configuration from the environment, after applying a .env file
// when one is present in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromViper(viper.New())
}

// FromViper builds a Config from v with AutomaticEnv bound. Tests pass a
// fresh instance with values set explicitly.
func FromViper(v *viper.Viper) (*Config, error) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("CORS_ALLOW_ORIGINS", "*")
	v.SetDefault("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1")
	v.SetDefault("DEEPSEEK_MODEL", "deepseek-vl2")
	v.SetDefault("DEEPSEEK_TEMPERATURE", 0.1)
	v.SetDefault("DEEPSEEK_MAX_TOKENS", 512)
	v.SetDefault("UPSTREAM_TIMEOUT", 30*time.Second)
	v.SetDefault("UPSTREAM_MAX_CONCURRENCY", 8)
	v.SetDefault("MAX_IMAGE_BYTES", 10<<20)
	v.SetDefault("BATCH_MAX_FILES", 10)
	v.SetDefault("BATCH_CONCURRENCY", 4)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CACHE_TTL", 10*time.Minute)
	v.SetDefault("LOG_LEVEL", "info")
	v.AutomaticEnv()

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:            v.GetString("HTTP_ADDR"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
			AllowOrigins:    splitList(v.GetString("CORS_ALLOW_ORIGINS")),
		},
		Upstream: UpstreamConfig{
			APIKey:         strings.TrimSpace(v.GetString("DEEPSEEK_API_KEY")),
			BaseURL:        strings.TrimRight(v.GetString("DEEPSEEK_BASE_URL"), "/"),
			Model:          v.GetString("DEEPSEEK_MODEL"),
			Temperature:    float32(v.GetFloat64("DEEPSEEK_TEMPERATURE")),
			MaxTokens:      v.GetInt("DEEPSEEK_MAX_TOKENS"),
			Timeout:        v.GetDuration("UPSTREAM_TIMEOUT"),
			MaxConcurrency: v.GetInt("UPSTREAM_MAX_CONCURRENCY"),
		},
		Limits: LimitsConfig{
			MaxImageBytes:    v.GetInt64("MAX_IMAGE_BYTES"),
			BatchMaxFiles:    v.GetInt("BATCH_MAX_FILES"),
			BatchConcurrency: v.GetInt("BATCH_CONCURRENCY"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			CacheTTL: v.GetDuration("CACHE_TTL"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("DATABASE_DSN"),
		},
		Auth: AuthConfig{
			Secret:   strings.TrimSpace(v.GetString("JWT_SECRET")),
			Audience: strings.TrimSpace(v.GetString("JWT_AUDIENCE")),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that would make the service unusable.
func (c *Config) Validate() error {
	if c.Upstream.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Upstream.BaseURL == "" {
		return errors.New("DEEPSEEK_BASE_URL must not be empty")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %s", c.Upstream.Timeout)
	}
	if c.Upstream.MaxConcurrency <= 0 {
		return fmt.Errorf("UPSTREAM_MAX_CONCURRENCY must be positive, got %d", c.Upstream.MaxConcurrency)
	}
	if c.Limits.MaxImageBytes <= 0 {
		return fmt.Errorf("MAX_IMAGE_BYTES must be positive, got %d", c.Limits.MaxImageBytes)
	}
	if c.Limits.BatchMaxFiles <= 0 {
		return fmt.Errorf("BATCH_MAX_FILES must be positive, got %d", c.Limits.BatchMaxFiles)
	}
	if c.Limits.BatchConcurrency <= 0 {
		return fmt.Errorf("BATCH_CONCURRENCY must be positive, got %d", c.Limits.BatchConcurrency)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
