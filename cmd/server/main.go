// Command server runs the presence HTTP API.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/yabosen/presence/internal/auth"
	"github.com/yabosen/presence/internal/avatar"
	"github.com/yabosen/presence/internal/config"
	"github.com/yabosen/presence/internal/logging"
	"github.com/yabosen/presence/internal/metrics"
	"github.com/yabosen/presence/internal/model"
	"github.com/yabosen/presence/internal/presence"
	"github.com/yabosen/presence/internal/processing"
	"github.com/yabosen/presence/internal/queue"
	"github.com/yabosen/presence/internal/s3storage"
	"github.com/yabosen/presence/internal/server"
	"github.com/yabosen/presence/internal/storage"
	"github.com/yabosen/presence/internal/storage/backend"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.MustInitGlobal(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithContext(ctx, logger)

	m := metrics.New(logging.Collectors()...)

	kv, err := backend.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("open state store", zap.Error(err))
	}
	defer func() {
		if err := backend.Close(kv); err != nil {
			logger.Warn("close state store", zap.Error(err))
		}
	}()

	svc := presence.NewService(kv, presence.Options{
		KeyPrefix:    cfg.KeyPrefix,
		StaleAfter:   cfg.StaleAfter,
		StoreTimeout: cfg.StoreTimeout,
		Activities:   model.ParseActivitySet(cfg.ActivityTypes),
		Metrics:      m,
	})

	avatarBackend, err := openAvatarBackend(ctx, cfg, kv, svc)
	if err != nil {
		logger.Fatal("init avatar storage", zap.Error(err))
	}
	avatars := avatar.NewService(avatarBackend, avatar.Options{
		MaxBytes:   cfg.MaxAvatarBytes,
		DefaultURL: cfg.DefaultAvatarURL,
	})

	if cfg.AutoSleepEnabled {
		startAutoSleep(ctx, cfg, svc, logger)
	}

	srv := server.New(cfg, svc, avatars, auth.NewGate(cfg.APIKey), m, logger)
	if cfg.APIKey == "" {
		logger.Warn("no API key configured; every mutation will be rejected")
	}
	logger.Info("presence listening",
		zap.String("addr", cfg.Address),
		zap.String("store", cfg.StoreDriver),
		zap.String("key_prefix", cfg.KeyPrefix),
	)
	if err := srv.Serve(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func openAvatarBackend(ctx context.Context, cfg *config.Config, kv storage.KV, svc *presence.Service) (avatar.Backend, error) {
	if !cfg.S3Enabled() {
		return avatar.NewKVBackend(kv, svc.Keys().Avatar()), nil
	}
	store, err := s3storage.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// startAutoSleep runs the check in-process unless a queue redis is
// configured, in which case cmd/worker schedules it.
func startAutoSleep(ctx context.Context, cfg *config.Config, svc *presence.Service, logger *zap.Logger) {
	_, err := queue.RedisOpt(cfg)
	switch {
	case err == nil:
		logger.Info("auto-sleep delegated to the worker")
	case errors.Is(err, queue.ErrNoQueue):
		processing.New(svc, cfg.AutoSleepAfter, cfg.AutoSleepCheckEvery).Start(ctx)
		logger.Info("auto-sleep running in-process",
			zap.Duration("idle_for", cfg.AutoSleepAfter),
			zap.Duration("every", cfg.AutoSleepCheckEvery),
		)
	default:
		logger.Fatal("auto-sleep queue", zap.Error(err))
	}
}
