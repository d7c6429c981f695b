// Package backend opens the State Store named by the configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/yabosen/presence/internal/config"
	"github.com/yabosen/presence/internal/repository"
	"github.com/yabosen/presence/internal/storage"
	"github.com/yabosen/presence/internal/storage/redisstore"
	"github.com/yabosen/presence/internal/storage/sqlitestore"
)

// Open returns a ready storage.KV for cfg.StoreDriver. Callers close it with
// Close when they are done.
func Open(ctx context.Context, cfg *config.Config) (storage.KV, error) {
	var (
		kv  storage.KV
		err error
	)
	switch cfg.StoreDriver {
	case config.DriverMemory, "":
		kv = storage.NewMemoryStore()
	case config.DriverRedis:
		var s *redisstore.Store
		if s, err = redisstore.Open(ctx, cfg.StoreURL, cfg.StoreToken); err == nil {
			kv = s
		}
	case config.DriverPostgres:
		var s *repository.PoolStore
		if s, err = repository.Open(ctx, cfg.StoreURL); err == nil {
			kv = s
		}
	case config.DriverSQLite:
		var s *sqlitestore.Store
		if s, err = sqlitestore.Open(cfg.StoreURL); err == nil {
			kv = s
		}
	default:
		err = fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	return kv, nil
}

// Close releases kv if the backend holds connections.
func Close(kv storage.KV) error {
	if c, ok := kv.(storage.Closer); ok {
		return c.Close()
	}
	return nil
}
