package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yabosen/presence/internal/logging"
	"github.com/yabosen/presence/internal/queue"
)

// AutoSleeper is the slice of presence.Service the worker needs.
type AutoSleeper interface {
	AutoSleep(ctx context.Context, idleFor time.Duration) (bool, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	svc AutoSleeper
}

// NewProcessor constructs a worker processor.
func NewProcessor(svc AutoSleeper) *Processor {
	return &Processor{svc: svc}
}

// Handler registers the auto-sleep job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.AutoSleepTask, p.handleAutoSleep)
	return mux
}

func (p *Processor) handleAutoSleep(ctx context.Context, task *asynq.Task) error {
	var payload queue.AutoSleepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.IdleForSeconds <= 0 {
		return fmt.Errorf("idle threshold must be positive: %w", asynq.SkipRetry)
	}
	log := logging.C(ctx).With(zap.Duration("idle_for", payload.IdleFor()))

	changed, err := p.svc.AutoSleep(ctx, payload.IdleFor())
	if err != nil {
		log.Warn("auto-sleep check failed", zap.Error(err))
		return err
	}
	if changed {
		log.Info("status switched to sleeping")
	} else {
		log.Debug("auto-sleep check: nothing to do")
	}
	return nil
}
