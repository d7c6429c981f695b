package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yabosen/presence/internal/config"
)

const (
	// AutoSleepTask is scheduled periodically to put an idle status to sleep.
	AutoSleepTask = "presence:autosleep"
)

// ErrNoQueue means neither a queue redis nor a redis State Store is configured.
var ErrNoQueue = errors.New("no redis configured for the task queue")

// AutoSleepPayload is serialized into the task payload so every run carries
// the idle threshold it was scheduled with.
type AutoSleepPayload struct {
	IdleForSeconds int64 `json:"idle_for_seconds"`
}

// IdleFor converts the payload threshold back into a duration.
func (p AutoSleepPayload) IdleFor() time.Duration {
	return time.Duration(p.IdleForSeconds) * time.Second
}

// NewAutoSleepTask builds the periodic task. Unique keeps a slow worker from
// piling up overlapping checks.
func NewAutoSleepTask(idleFor, every time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(AutoSleepPayload{IdleForSeconds: int64(idleFor / time.Second)})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(AutoSleepTask, data,
		asynq.MaxRetry(2),
		asynq.Timeout(30*time.Second),
		asynq.Unique(every),
	), nil
}

// EnqueueAutoSleep enqueues a one-off auto-sleep check.
func EnqueueAutoSleep(ctx context.Context, client *asynq.Client, idleFor time.Duration) error {
	task, err := NewAutoSleepTask(idleFor, time.Minute)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue autosleep task: %w", err)
	}
	return nil
}

// CronSpec is the asynq cron expression for running every d.
func CronSpec(every time.Duration) string {
	return "@every " + every.String()
}

// RedisOpt picks the redis asynq talks to: the explicit queue settings, or
// else the redis State Store URL with its token as password.
func RedisOpt(cfg *config.Config) (asynq.RedisConnOpt, error) {
	if cfg.QueueRedisAddr != "" {
		return asynq.RedisClientOpt{
			Addr:     cfg.QueueRedisAddr,
			Password: cfg.QueueRedisPassword,
			DB:       cfg.QueueRedisDB,
		}, nil
	}
	if cfg.StoreDriver != config.DriverRedis || cfg.StoreURL == "" {
		return nil, ErrNoQueue
	}
	opt, err := asynq.ParseRedisURI(cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url for queue: %w", err)
	}
	if client, ok := opt.(asynq.RedisClientOpt); ok && cfg.StoreToken != "" {
		client.Password = cfg.StoreToken
		return client, nil
	}
	return opt, nil
}
