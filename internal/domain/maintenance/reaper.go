package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/monitoring"
)

// Sweeper deletes rows older than a horizon.
type Sweeper interface {
	Sweep(ctx context.Context, horizon time.Duration) (int64, error)
}

// Reaper enforces the retention horizon on the trace store.
type Reaper struct {
	store   Sweeper
	horizon time.Duration
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewReaper creates a reaper that keeps rows younger than horizon.
func NewReaper(store Sweeper, horizon time.Duration, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		store:   store,
		horizon: horizon,
		logger:  logger,
	}
}

// WithMetrics adds metrics tracking to the reaper
func (r *Reaper) WithMetrics(metrics *monitoring.Metrics) *Reaper {
	r.metrics = metrics
	return r
}

// Horizon returns the retention period.
func (r *Reaper) Horizon() time.Duration { return r.horizon }

// Reap runs one retention sweep and returns the number of rows deleted.
func (r *Reaper) Reap(ctx context.Context) (int64, error) {
	deleted, err := r.store.Sweep(ctx, r.horizon)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("Cleaned up old traces",
			zap.Int64("deleted", deleted),
			zap.Duration("horizon", r.horizon),
		)
	}
	r.metrics.AddRetentionDeleted(deleted)
	return deleted, nil
}
