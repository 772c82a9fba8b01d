// Package scheduler runs the periodic upkeep jobs of a serving process.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"FACEINDEX/engine"
)

const reconcileTag = "reconcile-counts"

// Reconciler recomputes the cached face counts of every collection.
type Reconciler interface {
	ReconcileCounts(ctx context.Context) (engine.ReconcileResult, error)
}

type Config struct {
	Enabled           bool
	ReconcileInterval time.Duration
	// JobTimeout bounds one run. Zero means the interval.
	JobTimeout time.Duration
}

type Scheduler struct {
	cron       *gocron.Scheduler
	reconciler Reconciler
	cfg        Config
	logger     *slog.Logger
}

func New(reconciler Reconciler, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if reconciler == nil {
		return nil, errors.New("scheduler: reconciler is required")
	}
	if cfg.ReconcileInterval <= 0 {
		return nil, errors.New("scheduler: reconcile interval must be positive")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = cfg.ReconcileInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cron:       gocron.NewScheduler(time.UTC),
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger.With("component", "scheduler"),
	}
	// The first run waits one interval; serve already starts from a known state.
	s.cron.WaitForScheduleAll()
	_, err := s.cron.Every(cfg.ReconcileInterval).
		Tag(reconcileTag).
		SingletonMode().
		Do(s.reconcile)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the jobs in the background. It does nothing when disabled.
func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled")
		return
	}
	s.cron.StartAsync()
	s.logger.Info("scheduler started", "reconcile_interval", s.cfg.ReconcileInterval)
}

// Stop waits for a running job to return.
func (s *Scheduler) Stop() {
	if s.cron.IsRunning() {
		s.cron.Stop()
		s.logger.Info("scheduler stopped")
	}
}

// RunNow reconciles immediately, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (engine.ReconcileResult, error) {
	return s.reconciler.ReconcileCounts(ctx)
}

func (s *Scheduler) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.reconciler.ReconcileCounts(ctx)
	if err != nil {
		s.logger.Error("reconcile face counts failed", "error", err)
		return
	}
	level := slog.LevelDebug
	if res.Corrected > 0 || res.Failed > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "reconciled face counts",
		"checked", res.Checked,
		"corrected", res.Corrected,
		"failed", res.Failed,
		"duration", time.Since(start),
	)
}
