// Package scheduler runs periodic maintenance jobs for the intake service.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Purger removes held review batches older than a retention window.
type Purger interface {
	PurgeHeld(ctx context.Context, retention time.Duration) (int, error)
}

type Options struct {
	Retention time.Duration
	Interval  time.Duration
	// JobTimeout bounds a single sweep; zero means Interval.
	JobTimeout time.Duration
}

type Scheduler struct {
	purger    Purger
	opts      Options
	logger    zerolog.Logger
	scheduler *gocron.Scheduler
}

func New(purger Purger, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = opts.Interval
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		purger:    purger,
		opts:      opts,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		scheduler: s,
	}
}

// Start schedules the review sweep, running it once immediately.
func (s *Scheduler) Start() error {
	if s.opts.Interval <= 0 || s.opts.Retention <= 0 {
		return fmt.Errorf("review sweep needs positive interval and retention, got %s and %s", s.opts.Interval, s.opts.Retention)
	}
	_, err := s.scheduler.Every(s.opts.Interval).StartImmediately().Do(s.Sweep)
	if err != nil {
		return fmt.Errorf("schedule review sweep: %w", err)
	}
	s.scheduler.StartAsync()
	s.logger.Info().Dur("interval", s.opts.Interval).Dur("retention", s.opts.Retention).Msg("review sweep scheduled")
	return nil
}

func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// Sweep purges expired review batches once.
func (s *Scheduler) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
	defer cancel()

	n, err := s.purger.PurgeHeld(ctx, s.opts.Retention)
	if err != nil {
		s.logger.Error().Err(err).Msg("review sweep failed")
		return
	}
	s.logger.Debug().Int("purged", n).Msg("review sweep finished")
}
