// Package processing runs the auto-sleep check inside the server process when
// no task queue is available.
package processing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yabosen/presence/internal/logging"
)

// AutoSleeper is the slice of presence.Service the loop needs.
type AutoSleeper interface {
	AutoSleep(ctx context.Context, idleFor time.Duration) (bool, error)
}

// Processor ticks every interval and asks the service to apply auto-sleep.
type Processor struct {
	svc      AutoSleeper
	idleFor  time.Duration
	interval time.Duration

	once sync.Once
	done chan struct{}
}

// New builds a Processor.
func New(svc AutoSleeper, idleFor, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		svc:      svc,
		idleFor:  idleFor,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling it again is a no-op.
func (p *Processor) Start(ctx context.Context) {
	p.once.Do(func() {
		go p.loop(ctx)
	})
}

// Done is closed once the loop has exited.
func (p *Processor) Done() <-chan struct{} { return p.done }

func (p *Processor) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single check. Failures are logged; the next tick retries.
func (p *Processor) RunOnce(ctx context.Context) bool {
	changed, err := p.svc.AutoSleep(ctx, p.idleFor)
	if err != nil {
		logging.C(ctx).Warn("auto-sleep check failed", zap.Error(err))
		return false
	}
	if changed {
		logging.C(ctx).Info("status switched to sleeping", zap.Duration("idle_for", p.idleFor))
	}
	return changed
}
