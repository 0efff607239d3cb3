// Package jobs schedules the workspace's background maintenance:
// sweeping stale presence entries and pruning old read notifications.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper removes presence entries whose heartbeat lapsed.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Pruner deletes read notifications older than the retention window.
type Pruner interface {
	PruneRead(ctx context.Context, retention time.Duration) (int64, error)
}

// Config wires the scheduled work.
type Config struct {
	Sweeper       Sweeper
	SweepInterval time.Duration

	Pruner        Pruner
	PruneSchedule string // cron spec, defaults to daily at 03:00
	Retention     time.Duration

	JobTimeout time.Duration
	Logger     zerolog.Logger
}

// Runner owns the cron scheduler.
type Runner struct {
	cron   *cron.Cron
	cfg    Config
	logger zerolog.Logger
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = "0 3 * * *"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	r := &Runner{
		cron:   cron.New(),
		cfg:    cfg,
		logger: cfg.Logger,
	}

	if cfg.Sweeper != nil {
		spec := fmt.Sprintf("@every %s", cfg.SweepInterval)
		if _, err := r.cron.AddFunc(spec, r.sweep); err != nil {
			return nil, fmt.Errorf("schedule presence sweep: %w", err)
		}
	}
	if cfg.Pruner != nil {
		if _, err := r.cron.AddFunc(cfg.PruneSchedule, r.prune); err != nil {
			return nil, fmt.Errorf("schedule notification prune: %w", err)
		}
	}
	return r, nil
}

// Start begins scheduling. It returns immediately.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info().Msg("background jobs started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("background jobs stopped")
}

func (r *Runner) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.JobTimeout)
	defer cancel()
	if err := r.cfg.Sweeper.Sweep(ctx); err != nil {
		r.logger.Error().Err(err).Msg("presence sweep failed")
	}
}

func (r *Runner) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.JobTimeout)
	defer cancel()
	n, err := r.cfg.Pruner.PruneRead(ctx, r.cfg.Retention)
	if err != nil {
		r.logger.Error().Err(err).Msg("notification prune failed")
		return
	}
	if n > 0 {
		r.logger.Info().Int64("pruned", n).Msg("old notifications removed")
	}
}
