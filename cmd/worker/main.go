// Command worker runs queued presence jobs and schedules the periodic
// auto-sleep check.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yabosen/presence/internal/config"
	"github.com/yabosen/presence/internal/logging"
	"github.com/yabosen/presence/internal/model"
	"github.com/yabosen/presence/internal/presence"
	"github.com/yabosen/presence/internal/queue"
	"github.com/yabosen/presence/internal/storage/backend"
	"github.com/yabosen/presence/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Log.Service = "presence-worker"
	logger := logging.MustInitGlobal(cfg.Log)
	defer func() { _ = logger.Sync() }()
	ctx = logging.WithContext(ctx, logger)

	redisOpt, err := queue.RedisOpt(cfg)
	if err != nil {
		logger.Fatal("queue redis", zap.Error(err))
	}

	kv, err := backend.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("open state store", zap.Error(err))
	}
	defer func() { _ = backend.Close(kv) }()

	svc := presence.NewService(kv, presence.Options{
		KeyPrefix:    cfg.KeyPrefix,
		StaleAfter:   cfg.StaleAfter,
		StoreTimeout: cfg.StoreTimeout,
		Activities:   model.ParseActivitySet(cfg.ActivityTypes),
	})

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		BaseContext: func() context.Context { return ctx },
		Logger:      logger.Sugar(),
	})
	processor := worker.NewProcessor(svc)
	mux := processor.Handler()

	var scheduler *asynq.Scheduler
	if cfg.AutoSleepEnabled {
		task, err := queue.NewAutoSleepTask(cfg.AutoSleepAfter, cfg.AutoSleepCheckEvery)
		if err != nil {
			logger.Fatal("build auto-sleep task", zap.Error(err))
		}
		scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: logger.Sugar()})
		if _, err := scheduler.Register(queue.CronSpec(cfg.AutoSleepCheckEvery), task); err != nil {
			logger.Fatal("register auto-sleep", zap.Error(err))
		}
		if err := scheduler.Start(); err != nil {
			logger.Fatal("start scheduler", zap.Error(err))
		}
		// Catch up right away instead of waiting for the first tick.
		client := asynq.NewClient(redisOpt)
		if err := queue.EnqueueAutoSleep(ctx, client, cfg.AutoSleepAfter); err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
			logger.Warn("enqueue initial auto-sleep check", zap.Error(err))
		}
		_ = client.Close()
		logger.Info("auto-sleep scheduled",
			zap.Duration("idle_for", cfg.AutoSleepAfter),
			zap.Duration("every", cfg.AutoSleepCheckEvery),
		)
	}

	go func() {
		<-ctx.Done()
		if scheduler != nil {
			scheduler.Shutdown()
		}
		server.Shutdown()
	}()

	logger.Info("worker started", zap.String("store", cfg.StoreDriver))
	if err := server.Run(mux); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
