// Package config reads the service settings from the environment, an
// optional .env file and an optional config file, and exposes them as typed
// Go values.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/yabosen/presence/internal/logging"
)

// Store drivers accepted by StoreDriver.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config represents runtime configuration for the presence binaries.
type Config struct {
	Address string
	APIKey  string

	StoreDriver  string
	StoreURL     string
	StoreToken   string
	KeyPrefix    string
	StaleAfter   time.Duration
	StoreTimeout time.Duration
	// ActivityTypes is the declared activity set. Empty means the default.
	ActivityTypes []string

	MaxBodyBytes     int64
	MaxAvatarBytes   int
	DefaultAvatarURL string
	RateLimit        float64
	RateBurst        int

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool

	QueueRedisAddr     string
	QueueRedisPassword string
	QueueRedisDB       int

	AutoSleepEnabled    bool
	AutoSleepAfter      time.Duration
	AutoSleepCheckEvery time.Duration

	Log logging.Config
}

const (
	defaultAddress        = ":8080"
	defaultKeyPrefix      = "yabosen"
	defaultStaleAfter     = 2 * time.Minute
	defaultStoreTimeout   = 2 * time.Second
	defaultActivityTypes  = "playing,watching,listening"
	defaultMaxBodyBytes   = 1 << 20   // 1 MiB
	defaultMaxAvatarBytes = 500 << 10 // 500 KiB
	defaultAvatarURL      = "https://yabosen.live/emo-avatar.png"
	defaultRateLimit      = 20.0
	defaultRateBurst      = 40
	defaultS3Bucket       = "presence"
	defaultS3Region       = "us-east-1"
	defaultAutoSleepAfter = 30 * time.Minute
	defaultAutoSleepCheck = time.Minute
	defaultLogLevel       = "info"
	defaultLogEncoding    = "json"
	defaultLogMaxSizeMB   = 100
	defaultLogMaxBackups  = 7
	defaultLogMaxAgeDays  = 30
	defaultServiceName    = "presence"
	envPrefix             = "PRESENCE"
)

// Load reads configuration from .env, the optional file named by
// PRESENCE_CONFIG and the environment, in increasing priority.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Legacy variable names are still honoured.
	aliases := map[string][]string{
		"api_key":     {"PRESENCE_API_KEY", "STATUS_API_KEY"},
		"store_url":   {"PRESENCE_STORE_URL", "UPSTASH_REDIS_URL"},
		"store_token": {"PRESENCE_STORE_TOKEN", "UPSTASH_REDIS_TOKEN"},
	}
	for key, envs := range aliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Address:      v.GetString("address"),
		APIKey:       v.GetString("api_key"),
		StoreDriver:  strings.ToLower(v.GetString("store_driver")),
		StoreURL:     v.GetString("store_url"),
		StoreToken:   v.GetString("store_token"),
		KeyPrefix:    v.GetString("key_prefix"),
		StaleAfter:   v.GetDuration("stale_after"),
		StoreTimeout: v.GetDuration("store_timeout"),

		ActivityTypes: parseList(v.GetString("activity_types")),

		MaxBodyBytes:     v.GetInt64("max_body_bytes"),
		MaxAvatarBytes:   v.GetInt("max_avatar_bytes"),
		DefaultAvatarURL: v.GetString("default_avatar_url"),
		RateLimit:        v.GetFloat64("rate_limit"),
		RateBurst:        v.GetInt("rate_burst"),

		S3Endpoint:  v.GetString("s3_endpoint"),
		S3AccessKey: v.GetString("s3_access_key"),
		S3SecretKey: v.GetString("s3_secret_key"),
		S3Bucket:    v.GetString("s3_bucket"),
		S3Region:    v.GetString("s3_region"),
		S3UseSSL:    v.GetBool("s3_use_ssl"),

		QueueRedisAddr:     v.GetString("queue_redis_addr"),
		QueueRedisPassword: v.GetString("queue_redis_password"),
		QueueRedisDB:       v.GetInt("queue_redis_db"),

		AutoSleepEnabled:    v.GetBool("autosleep_enabled"),
		AutoSleepAfter:      v.GetDuration("autosleep_after"),
		AutoSleepCheckEvery: v.GetDuration("autosleep_check_every"),

		Log: logging.Config{
			Service:  v.GetString("service_name"),
			Level:    v.GetString("log_level"),
			Encoding: v.GetString("log_encoding"),
			Stdout:   true,
			File: logging.FileConfig{
				Path:       v.GetString("log_file"),
				MaxSizeMB:  v.GetInt("log_max_size_mb"),
				MaxBackups: v.GetInt("log_max_backups"),
				MaxAgeDays: v.GetInt("log_max_age_days"),
				Compress:   v.GetBool("log_compress"),
			},
			Development: v.GetBool("log_development"),
		},
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverMemory
		if cfg.StoreURL != "" {
			cfg.StoreDriver = DriverRedis
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the binaries cannot start with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverRedis, DriverPostgres, DriverSQLite:
		if c.StoreURL == "" {
			return fmt.Errorf("config: store driver %q needs PRESENCE_STORE_URL", c.StoreDriver)
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("config: stale_after must be positive, got %s", c.StaleAfter)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("config: store_timeout must be positive, got %s", c.StoreTimeout)
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.MaxAvatarBytes <= 0 {
		c.MaxAvatarBytes = defaultMaxAvatarBytes
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("config: rate limit and burst must not be negative")
	}
	if c.AutoSleepEnabled && (c.AutoSleepAfter <= 0 || c.AutoSleepCheckEvery <= 0) {
		return fmt.Errorf("config: auto-sleep needs positive after and check_every")
	}
	return c.Log.Validate()
}

// S3Enabled reports whether the avatar should live in object storage.
func (c *Config) S3Enabled() bool {
	return c.S3Endpoint != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", defaultAddress)
	v.SetDefault("key_prefix", defaultKeyPrefix)
	v.SetDefault("stale_after", defaultStaleAfter)
	v.SetDefault("store_timeout", defaultStoreTimeout)
	v.SetDefault("activity_types", defaultActivityTypes)
	v.SetDefault("max_body_bytes", defaultMaxBodyBytes)
	v.SetDefault("max_avatar_bytes", defaultMaxAvatarBytes)
	v.SetDefault("default_avatar_url", defaultAvatarURL)
	v.SetDefault("rate_limit", defaultRateLimit)
	v.SetDefault("rate_burst", defaultRateBurst)
	v.SetDefault("s3_bucket", defaultS3Bucket)
	v.SetDefault("s3_region", defaultS3Region)
	v.SetDefault("s3_use_ssl", false)
	v.SetDefault("queue_redis_db", 0)
	v.SetDefault("autosleep_enabled", false)
	v.SetDefault("autosleep_after", defaultAutoSleepAfter)
	v.SetDefault("autosleep_check_every", defaultAutoSleepCheck)
	v.SetDefault("service_name", defaultServiceName)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_encoding", defaultLogEncoding)
	v.SetDefault("log_max_size_mb", defaultLogMaxSizeMB)
	v.SetDefault("log_max_backups", defaultLogMaxBackups)
	v.SetDefault("log_max_age_days", defaultLogMaxAgeDays)
	v.SetDefault("log_compress", true)
	v.SetDefault("log_development", false)
	// Registered so AutomaticEnv picks up PRESENCE_CONFIG.
	v.SetDefault("config", "")
}

func parseList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
