package maintenance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/domain/adaptive"
	"github.com/GriffinCanCode/TraceHub/internal/domain/broadcast"
	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/monitoring"
)

// Task names used in logs and metrics.
const (
	TaskCooldown    = "cooldown"
	TaskSubscribers = "subscribers"
	TaskStats       = "stats"
	TaskRetention   = "retention"
)

// Cooler is the adaptive controller as seen by the scheduler.
type Cooler interface {
	Cooldown() adaptive.CooldownResult
	Counts() (hot, warm int)
}

// StaleSweeper is the subscriber hub as seen by the scheduler.
type StaleSweeper interface {
	SweepStale(maxIdle time.Duration) int
	Stats() broadcast.Stats
}

// Trimmer drops expired window entries.
type Trimmer interface {
	Trim(now time.Time) int
}

// Retainer runs the retention sweep.
type Retainer interface {
	Reap(ctx context.Context) (int64, error)
}

// Config sets the base interval and the cadence multiples.
type Config struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	SweepEvery  uint64
	RetainEvery uint64
}

// DefaultConfig ticks every 10s, sweeps every minute and reaps every hour.
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		StaleAfter:  5 * time.Minute,
		SweepEvery:  6,
		RetainEvery: 360,
	}
}

// Deps are the structures the scheduler maintains.
type Deps struct {
	Controller Cooler
	Hub        StaleSweeper
	Tracker    Trimmer
	Reaper     Retainer
}

// Scheduler drives all periodic maintenance from a single ticker.
type Scheduler struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
	ticks   atomic.Uint64
}

// NewScheduler creates a scheduler. Zero config fields take the defaults.
func NewScheduler(cfg Config, deps Deps, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SweepEvery == 0 {
		cfg.SweepEvery = def.SweepEvery
	}
	if cfg.RetainEvery == 0 {
		cfg.RetainEvery = def.RetainEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
}

// WithMetrics adds metrics tracking to the scheduler
func (s *Scheduler) WithMetrics(metrics *monitoring.Metrics) *Scheduler {
	s.metrics = metrics
	return s
}

// Ticks returns how many ticks have run.
func (s *Scheduler) Ticks() uint64 { return s.ticks.Load() }

// Run ticks until ctx is cancelled. A tick in progress finishes first.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Maintenance scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Uint64("sweep_every", s.cfg.SweepEvery),
		zap.Uint64("retain_every", s.cfg.RetainEvery),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Maintenance scheduler stopped", zap.Uint64("ticks", s.Ticks()))
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling step: cooldown every tick, subscriber sweep and
// window trim every SweepEvery ticks, retention every RetainEvery ticks.
func (s *Scheduler) Tick(ctx context.Context) {
	n := s.ticks.Add(1)

	s.runTask(TaskCooldown, func() error {
		res := s.deps.Controller.Cooldown()
		s.metrics.RecordTransitions("hot_to_warm", res.Cooled)
		s.metrics.RecordTransitions("warm_to_cold", res.Expired)
		s.metrics.SetAdaptive(s.deps.Controller.Counts())
		return nil
	})

	if n%s.cfg.SweepEvery == 0 {
		s.runTask(TaskSubscribers, func() error {
			if removed := s.deps.Hub.SweepStale(s.cfg.StaleAfter); removed > 0 {
				s.logger.Info("Removed stale subscribers", zap.Int("correlations", removed))
			}
			st := s.deps.Hub.Stats()
			s.metrics.SetSubscribers(st.ActiveKeys, st.TotalListeners)
			return nil
		})
		s.runTask(TaskStats, func() error {
			s.deps.Tracker.Trim(s.now())
			return nil
		})
	}

	if n%s.cfg.RetainEvery == 0 {
		s.runTask(TaskRetention, func() error {
			_, err := s.deps.Reaper.Reap(ctx)
			return err
		})
	}
}

// runTask runs fn, logging and counting any error or panic without
// propagating it.
func (s *Scheduler) runTask(name string, fn func() error) {
	timer := monitoring.NewTimer(s.metrics, name)
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		timer.Stop(err)
		if err != nil {
			s.logger.Error("Maintenance task failed",
				zap.String("task", name),
				zap.Uint64("tick", s.Ticks()),
				zap.Error(err),
			)
		}
	}()
	err = fn()
}
