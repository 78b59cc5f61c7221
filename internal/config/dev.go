package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultDevTokenSecret = "change-me-dev-token-secret"

// DevConfig configures the development backend.
type DevConfig struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	Addr        string `env:"DEV_ADDR" envDefault:":8000"`
	DatabaseURL string `env:"DEV_DATABASE_URL" envDefault:"devbackend.db"`

	TokenSecret string        `env:"DEV_TOKEN_SECRET" envDefault:"change-me-dev-token-secret"`
	AccessTTL   time.Duration `env:"DEV_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL  time.Duration `env:"DEV_REFRESH_TTL" envDefault:"168h"`

	HeartbeatInterval time.Duration `env:"DEV_HEARTBEAT_INTERVAL" envDefault:"30s"`

	SeedUser     string `env:"DEV_SEED_USER" envDefault:"admin"`
	SeedPassword string `env:"DEV_SEED_PASSWORD" envDefault:"admin123"`

	ServerTimezone string `env:"SERVER_TIMEZONE" envDefault:"Asia/Shanghai"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"text"`
}

func LoadDev(log *slog.Logger) (*DevConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &DevConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.AppEnv = strings.ToLower(strings.TrimSpace(cfg.AppEnv))

	if err := validateDevConfig(cfg); err != nil {
		return nil, err
	}

	if log != nil {
		log.Info("dev backend config",
			"addr", cfg.Addr,
			"access_ttl", cfg.AccessTTL,
			"refresh_ttl", cfg.RefreshTTL,
			"heartbeat", cfg.HeartbeatInterval,
		)
	}
	return cfg, nil
}

func validateDevConfig(cfg *DevConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("DEV_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("DEV_DATABASE_URL must not be empty")
	}
	if cfg.AccessTTL <= 0 {
		return fmt.Errorf("DEV_ACCESS_TTL must be > 0")
	}
	if cfg.RefreshTTL <= cfg.AccessTTL {
		return fmt.Errorf("DEV_REFRESH_TTL must be > DEV_ACCESS_TTL")
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("DEV_HEARTBEAT_INTERVAL must be > 0")
	}
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return fmt.Errorf("DEV_TOKEN_SECRET must not be empty")
	}
	if isProdLike(cfg.AppEnv) && isEmptyOrDefault(cfg.TokenSecret, defaultDevTokenSecret) {
		return fmt.Errorf("in prod/release DEV_TOKEN_SECRET must be set and not default")
	}
	return nil
}
