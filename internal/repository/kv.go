// Package repository implements storage.KV on Postgres.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yabosen/presence/internal/storage"
)

const (
	selectValueSQL = `SELECT value FROM kv_store WHERE key=$1`
	upsertValueSQL = `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`
	insertValueSQL = `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (key) DO NOTHING
	`
)

// Querier is the subset of *pgxpool.Pool the repository needs. Tests and
// callers holding a pgx.Tx can satisfy it too.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// KVRepository wraps the SQL behind the State Store.
type KVRepository struct {
	db Querier
}

// NewKVRepository constructs a repository.
func NewKVRepository(db Querier) *KVRepository {
	return &KVRepository{db: db}
}

// Get returns the value stored at key.
func (r *KVRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := r.db.QueryRow(ctx, selectValueSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return value, nil
}

// Set replaces the whole value at key.
func (r *KVRepository) Set(ctx context.Context, key string, value []byte) error {
	if _, err := r.db.Exec(ctx, upsertValueSQL, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent inserts value unless key already has a row.
func (r *KVRepository) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	tag, err := r.db.Exec(ctx, insertValueSQL, key, value, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}
