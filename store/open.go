package store

import (
	"context"
	"fmt"
	"log/slog"

	redisclient "vkproxy/client/redis"
	"vkproxy/config"
)

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (UserStore, error) {
	switch cfg.Driver {
	case "", config.StorageNone:
		return Nop{}, nil
	case config.StorageFile:
		return OpenFile(cfg.Path)
	case config.StorageSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case config.StorageRedis:
		client, err := redisclient.InitRedis(logger, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedis(client, cfg.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
