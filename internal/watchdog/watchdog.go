package watchdog

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper re-derives online state and reports how many devices flipped.
type Sweeper interface {
	SweepOnline() int
}

// Watchdog periodically sweeps the device registry so idle UI clients see
// online/offline transitions without polling.
type Watchdog struct {
	registry Sweeper
	interval time.Duration
	kickCh   chan struct{}
	logger   *slog.Logger
}

func New(registry Sweeper, interval time.Duration, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		registry: registry,
		interval: interval,
		kickCh:   make(chan struct{}, 1),
		logger:   logger,
	}
}

// TriggerSweep requests an immediate sweep; concurrent kicks coalesce.
func (w *Watchdog) TriggerSweep() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

func (w *Watchdog) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.kickCh:
			timer.Stop()
		case <-timer.C:
		}
		if flips := w.registry.SweepOnline(); flips > 0 {
			w.logger.Debug("online sweep", "flips", flips)
		}
	}
}
