package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yabosen/presence/internal/database"
)

// PoolStore is a KVRepository that owns its connection pool.
type PoolStore struct {
	*KVRepository
	pool *pgxpool.Pool
}

// Open connects to Postgres, ensures the schema and returns a ready store.
func Open(ctx context.Context, dsn string) (*PoolStore, error) {
	pool, err := database.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PoolStore{KVRepository: NewKVRepository(pool), pool: pool}, nil
}

func (s *PoolStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PoolStore) Close() error {
	s.pool.Close()
	return nil
}
