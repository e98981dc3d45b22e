// Package retention prunes terminal job records on a schedule. Completed and
// failed jobs stay queryable until they age out; pending and processing jobs
// are never touched.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lexflow/lexflow/internal/job"
)

const defaultSchedule = "0 3 * * *"

// Config controls when sweeps run and how old a terminal job must be before
// it is removed.
type Config struct {
	// Schedule is a cron expression (five fields or an @every descriptor).
	// Empty means daily at 03:00.
	Schedule string
	// MaxAge is the minimum age, measured from completion, at which a
	// terminal job may be deleted. Must be positive.
	MaxAge time.Duration
	// Logger receives sweep results; slog.Default() when nil.
	Logger *slog.Logger
}

// Sweeper deletes terminal jobs past their retention age.
type Sweeper struct {
	store  job.Store
	cron   *cron.Cron
	maxAge time.Duration
	log    *slog.Logger
}

// New builds a sweeper and registers its schedule. It does not start
// sweeping until Start.
func New(store job.Store, cfg Config) (*Sweeper, error) {
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("retention: max age must be positive, got %v", cfg.MaxAge)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Sweeper{
		store:  store,
		cron:   cron.New(),
		maxAge: cfg.MaxAge,
		log:    cfg.Logger,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("retention: invalid schedule %q: %w", cfg.Schedule, err)
	}
	s.log.Info("retention configured", "schedule", cfg.Schedule, "max_age", cfg.MaxAge)
	return s, nil
}

// Start begins running sweeps on the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepNow runs one sweep immediately, outside the schedule, and returns how
// many jobs were removed.
func (s *Sweeper) SweepNow(ctx context.Context) (int64, error) {
	return s.store.DeleteTerminalBefore(ctx, time.Now().Add(-s.maxAge))
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.SweepNow(ctx)
	if err != nil {
		s.log.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("retention sweep removed jobs", "count", n)
	}
}
