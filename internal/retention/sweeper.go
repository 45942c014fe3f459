// Package retention evicts finished render jobs once they are older than the
// configured retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"renderapi/internal/pkg/logger"
	"renderapi/internal/repositories"
)

const sweepTimeout = time.Minute

type Deps struct {
	Store     repositories.JobStore
	Retention time.Duration
	Log       *logger.Logger
	Now       func() time.Time
}

// Sweeper deletes terminal jobs submitted before now-Retention. Jobs still
// RENDERING are kept and reported as stale.
type Sweeper struct {
	store     repositories.JobStore
	retention time.Duration
	log       *logger.Logger
	now       func() time.Time
	cron      *cron.Cron
}

func NewSweeper(d Deps) *Sweeper {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:     d.Store,
		retention: d.Retention,
		log:       log.WithComponent("retention"),
		now:       now,
	}
}

// Result summarizes one sweep.
type Result struct {
	Deleted int
	Stale   int
}

func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	if s.retention <= 0 {
		return res, nil
	}

	cutoff := s.now().Add(-s.retention)
	jobs, err := s.store.ListOlderThan(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list expired render jobs: %w", err)
	}

	for _, job := range jobs {
		if !job.Status.Terminal() {
			res.Stale++
			s.log.Warn("render job still rendering past retention",
				"job_id", job.ID,
				"submitted_at", job.SubmittedAt,
			)
			continue
		}
		err := s.store.Delete(ctx, job.ID)
		if err != nil && !errors.Is(err, repositories.ErrJobNotFound) {
			return res, fmt.Errorf("delete render job %s: %w", job.ID, err)
		}
		res.Deleted++
	}

	if res.Deleted > 0 || res.Stale > 0 {
		s.log.Info("retention sweep finished",
			"deleted", res.Deleted,
			"stale", res.Stale,
			"cutoff", cutoff.UTC(),
		)
	}
	return res, nil
}

// Start schedules Sweep on schedule, a cron expression or descriptor such as
// "@every 10m". It is a no-op when retention is disabled.
func (s *Sweeper) Start(schedule string) error {
	if s.retention <= 0 {
		s.log.Info("job retention disabled")
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("retention sweep failed", "error", err.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}

	s.cron = c
	c.Start()
	s.log.Info("job retention enabled", "retention", s.retention.String(), "schedule", schedule)
	return nil
}

// Stop halts scheduling and waits for a running sweep until ctx ends.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
