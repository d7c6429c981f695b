package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yabosen/presence/internal/config"
	"github.com/yabosen/presence/internal/storage"
)

func roundTrip(t *testing.T, kv storage.KV) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "yabosen:status", []byte(`{"status":"online"}`)))
	got, err := kv.Get(ctx, "yabosen:status")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"online"}`, string(got))

	_, err = kv.Get(ctx, "yabosen:missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	creator, ok := kv.(storage.Creator)
	require.True(t, ok, "every backend supports SetIfAbsent")
	created, err := creator.SetIfAbsent(ctx, "yabosen:status", []byte(`{"status":"offline"}`))
	require.NoError(t, err)
	assert.False(t, created)
	created, err = creator.SetIfAbsent(ctx, "yabosen:fresh", []byte("1"))
	require.NoError(t, err)
	assert.True(t, created)

	got, err = kv.Get(ctx, "yabosen:status")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"online"}`, string(got))
}

func TestOpenDrivers(t *testing.T) {
	mr := miniredis.RunT(t)

	cases := []struct {
		name string
		cfg  config.Config
	}{
		{"memory", config.Config{StoreDriver: config.DriverMemory}},
		{"redis", config.Config{StoreDriver: config.DriverRedis, StoreURL: "redis://" + mr.Addr()}},
		{"sqlite", config.Config{StoreDriver: config.DriverSQLite, StoreURL: filepath.Join(t.TempDir(), "presence.db")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kv, err := Open(context.Background(), &tc.cfg)
			require.NoError(t, err)
			t.Cleanup(func() { assert.NoError(t, Close(kv)) })
			roundTrip(t, kv)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{StoreDriver: "etcd"})
	assert.ErrorContains(t, err, `unknown store driver "etcd"`)
}

func TestOpenRedisUnreachable(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{StoreDriver: config.DriverRedis, StoreURL: "redis://127.0.0.1:1"})
	assert.Error(t, err)
}
