package storage

import (
	"context"
	"fmt"
	"log/slog"

	"stockdesk/internal/config"
	"stockdesk/internal/database"
)

// Open builds the store selected by cfg.StorageDriver.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (Store, error) {
	switch cfg.StorageDriver {
	case config.StorageMemory:
		return NewMemoryStore(), nil
	case config.StorageRedis:
		return NewRedisStore(ctx, cfg.RedisURL)
	case config.StorageGorm:
		db, err := database.Connect(cfg.StorageDSN, log)
		if err != nil {
			return nil, fmt.Errorf("open local state db: %w", err)
		}
		return NewGormStore(db)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}
