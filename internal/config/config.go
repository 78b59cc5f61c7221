// Package config loads client and dev backend settings from the environment.
// A .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StorageGorm   = "gorm"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

// Config holds everything the client side needs.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	APIBaseURL string `env:"API_BASE_URL" envDefault:"http://localhost:8000"`
	// WSBaseURL defaults to APIBaseURL with the scheme switched to ws/wss.
	WSBaseURL string `env:"WS_BASE_URL"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	RetryCount     int           `env:"RETRY_COUNT" envDefault:"2"`
	RetryDelay     time.Duration `env:"RETRY_DELAY" envDefault:"1s"`

	NoticeCooldown       time.Duration `env:"NOTICE_COOLDOWN" envDefault:"3s"`
	AuthRecoveryCooldown time.Duration `env:"AUTH_RECOVERY_COOLDOWN" envDefault:"3s"`

	TokenRefreshInterval  time.Duration `env:"TOKEN_REFRESH_INTERVAL" envDefault:"60s"`
	TokenRefreshThreshold time.Duration `env:"TOKEN_REFRESH_THRESHOLD" envDefault:"5m"`

	WSMaxReconnectAttempts int           `env:"WS_MAX_RECONNECT_ATTEMPTS" envDefault:"10"`
	WSBaseDelay            time.Duration `env:"WS_BASE_DELAY" envDefault:"1s"`
	WSMaxDelay             time.Duration `env:"WS_MAX_DELAY" envDefault:"30s"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"gorm"`
	StorageDSN    string `env:"STORAGE_DSN" envDefault:"stockdesk.db"`
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	Language       string `env:"APP_LANGUAGE" envDefault:"zh-CN"`
	ServerTimezone string `env:"SERVER_TIMEZONE" envDefault:"Asia/Shanghai"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads .env (if any) and parses the client configuration.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = deriveWSBase(cfg.APIBaseURL)
	}
	cfg.WSBaseURL = strings.TrimRight(cfg.WSBaseURL, "/")

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL must not be empty")
	}
	if !strings.HasPrefix(cfg.APIBaseURL, "http://") && !strings.HasPrefix(cfg.APIBaseURL, "https://") {
		return fmt.Errorf("API_BASE_URL must start with http:// or https://")
	}
	if !strings.HasPrefix(cfg.WSBaseURL, "ws://") && !strings.HasPrefix(cfg.WSBaseURL, "wss://") {
		return fmt.Errorf("WS_BASE_URL must start with ws:// or wss://")
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	if cfg.RetryCount < 0 {
		return fmt.Errorf("RETRY_COUNT must be >= 0")
	}
	if cfg.RetryDelay < 0 {
		return fmt.Errorf("RETRY_DELAY must be >= 0")
	}
	if cfg.NoticeCooldown <= 0 {
		return fmt.Errorf("NOTICE_COOLDOWN must be > 0")
	}
	if cfg.AuthRecoveryCooldown <= 0 {
		return fmt.Errorf("AUTH_RECOVERY_COOLDOWN must be > 0")
	}
	if cfg.TokenRefreshInterval <= 0 {
		return fmt.Errorf("TOKEN_REFRESH_INTERVAL must be > 0")
	}
	if cfg.TokenRefreshThreshold <= 0 {
		return fmt.Errorf("TOKEN_REFRESH_THRESHOLD must be > 0")
	}
	if cfg.WSMaxReconnectAttempts < 0 {
		return fmt.Errorf("WS_MAX_RECONNECT_ATTEMPTS must be >= 0")
	}
	if cfg.WSBaseDelay <= 0 || cfg.WSMaxDelay < cfg.WSBaseDelay {
		return fmt.Errorf("WS_BASE_DELAY must be > 0 and <= WS_MAX_DELAY")
	}
	switch cfg.StorageDriver {
	case StorageGorm, StorageMemory:
	case StorageRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL must be set when STORAGE_DRIVER=redis")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be one of: gorm, redis, memory")
	}
	if cfg.StorageDriver == StorageGorm && strings.TrimSpace(cfg.StorageDSN) == "" {
		return fmt.Errorf("STORAGE_DSN must be set when STORAGE_DRIVER=gorm")
	}
	if isProdLike(cfg.AppEnv) && strings.HasPrefix(cfg.APIBaseURL, "http://") {
		return fmt.Errorf("in prod/release API_BASE_URL must use https")
	}
	return nil
}

func deriveWSBase(apiBase string) string {
	switch {
	case strings.HasPrefix(apiBase, "https://"):
		return "wss://" + strings.TrimPrefix(apiBase, "https://")
	case strings.HasPrefix(apiBase, "http://"):
		return "ws://" + strings.TrimPrefix(apiBase, "http://")
	}
	return apiBase
}

func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

func isProdLike(appEnv string) bool {
	appEnv = strings.ToLower(strings.TrimSpace(appEnv))
	return appEnv == "prod" || appEnv == "production" || appEnv == "release"
}

func isEmptyOrDefault(v, def string) bool {
	trimmed := strings.TrimSpace(v)
	return trimmed == "" || trimmed == def
}
