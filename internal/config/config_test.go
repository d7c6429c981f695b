package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load looks at so the host environment does
// not leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PRESENCE_ADDRESS", "PRESENCE_API_KEY", "STATUS_API_KEY",
		"PRESENCE_STORE_DRIVER", "PRESENCE_STORE_URL", "UPSTASH_REDIS_URL",
		"PRESENCE_STORE_TOKEN", "UPSTASH_REDIS_TOKEN", "PRESENCE_STALE_AFTER",
		"PRESENCE_STORE_TIMEOUT", "PRESENCE_ACTIVITY_TYPES", "PRESENCE_CONFIG",
		"PRESENCE_AUTOSLEEP_ENABLED", "PRESENCE_LOG_LEVEL", "PRESENCE_S3_ENDPOINT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, "", cfg.APIKey)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, "yabosen", cfg.KeyPrefix)
	assert.Equal(t, 2*time.Minute, cfg.StaleAfter)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.Equal(t, []string{"playing", "watching", "listening"}, cfg.ActivityTypes)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.Equal(t, 500<<10, cfg.MaxAvatarBytes)
	assert.Equal(t, "https://yabosen.live/emo-avatar.png", cfg.DefaultAvatarURL)
	assert.False(t, cfg.AutoSleepEnabled)
	assert.Equal(t, 30*time.Minute, cfg.AutoSleepAfter)
	assert.False(t, cfg.S3Enabled())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "presence", cfg.Log.Service)
}

func TestLoadLegacyNames(t *testing.T) {
	clearEnv(t)
	t.Setenv("STATUS_API_KEY", "legacy-key")
	t.Setenv("UPSTASH_REDIS_URL", "rediss://default@example.upstash.io:6379")
	t.Setenv("UPSTASH_REDIS_TOKEN", "tok")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "legacy-key", cfg.APIKey)
	assert.Equal(t, DriverRedis, cfg.StoreDriver, "a store URL implies redis")
	assert.Equal(t, "tok", cfg.StoreToken)
}

func TestLoadPrefixedNamesWin(t *testing.T) {
	clearEnv(t)
	t.Setenv("STATUS_API_KEY", "legacy-key")
	t.Setenv("PRESENCE_API_KEY", "new-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "new-key", cfg.APIKey)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PRESENCE_STALE_AFTER", "90s")
	t.Setenv("PRESENCE_ACTIVITY_TYPES", "playing, watching")
	t.Setenv("PRESENCE_STORE_DRIVER", "SQLite")
	t.Setenv("PRESENCE_STORE_URL", "file:presence.db")
	t.Setenv("PRESENCE_AUTOSLEEP_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.StaleAfter)
	assert.Equal(t, []string{"playing", "watching"}, cfg.ActivityTypes)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.True(t, cfg.AutoSleepEnabled)
}

func TestLoadRejectsBadSettings(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown driver":       {"PRESENCE_STORE_DRIVER": "etcd"},
		"postgres without url": {"PRESENCE_STORE_DRIVER": "postgres"},
		"zero stale window":    {"PRESENCE_STALE_AFTER": "0s"},
		"bad log level":        {"PRESENCE_LOG_LEVEL": "verbose"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "presence.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: \":9090\"\nkey_prefix: staging\n"), 0o600))
	t.Setenv("PRESENCE_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address)
	assert.Equal(t, "staging", cfg.KeyPrefix)

	t.Setenv("PRESENCE_ADDRESS", ":7070")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Address, "environment beats the file")
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("PRESENCE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
