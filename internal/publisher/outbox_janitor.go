package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EventPruner deletes outbox rows by age alone.
type EventPruner interface {
	DeleteEventsOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// OutboxJanitor keeps cart_events bounded when the change feed is the
// store's own notifications and no poller ever marks rows processed.
type OutboxJanitor struct {
	tick      time.Duration
	retention time.Duration
	repo      EventPruner
	log       *zap.Logger
}

func NewOutboxJanitor(repo EventPruner, retention time.Duration, log *zap.Logger) *OutboxJanitor {
	return &OutboxJanitor{
		tick:      time.Hour,
		retention: retention,
		repo:      repo,
		log:       log,
	}
}

// Run prunes once right away, then on every tick until ctx is done.
func (j *OutboxJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.tick)
	defer ticker.Stop()
	for {
		j.prune(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (j *OutboxJanitor) prune(ctx context.Context) {
	n, err := j.repo.DeleteEventsOlderThan(ctx, time.Now().Add(-j.retention))
	if err != nil {
		j.log.Warn("failed to prune cart events", zap.Error(err))
		return
	}
	if n > 0 {
		j.log.Info("pruned cart events", zap.Int64("count", n))
	}
}
