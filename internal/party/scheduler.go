package party

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StatusStore advances the durable party status in bulk. Both updates are
// monotonic: rows only move forward along upcoming -> ongoing -> finished.
type StatusStore interface {
	MarkOngoing(ctx context.Context) (int64, error)
	MarkFinished(ctx context.Context) (int64, error)
}

// StatusScheduler is a stateless periodic sweep over the durable status
// field, driven purely by wall-clock comparison against the stored schedule.
// It is deliberately decoupled from the in-memory sessions: a party can be
// ongoing in the database while no session exists yet, and startup recovery
// reconciles that.
type StatusScheduler struct {
	store    StatusStore
	interval time.Duration
	logger   *zap.Logger
}

// NewStatusScheduler creates a status scheduler.
func NewStatusScheduler(store StatusStore, interval time.Duration, logger *zap.Logger) *StatusScheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusScheduler{store: store, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled.
func (sc *StatusScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.Tick(ctx)
		}
	}
}

// Tick performs one sweep: upcoming parties whose start time passed become
// ongoing, ongoing parties whose end time passed become finished.
func (sc *StatusScheduler) Tick(ctx context.Context) {
	started, err := sc.store.MarkOngoing(ctx)
	if err != nil {
		sc.logger.Warn("status sweep: mark ongoing failed", zap.Error(err))
	} else if started > 0 {
		sc.logger.Info("parties moved to ongoing", zap.Int64("count", started))
	}

	finished, err := sc.store.MarkFinished(ctx)
	if err != nil {
		sc.logger.Warn("status sweep: mark finished failed", zap.Error(err))
	} else if finished > 0 {
		sc.logger.Info("parties moved to finished", zap.Int64("count", finished))
	}
}
