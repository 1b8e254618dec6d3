package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the janitor every ten minutes.
const DefaultSweepSchedule = "@every 10m"

const staleJobError = "job exceeded processing deadline"

// Janitor fails jobs stuck in processing and purges old terminal jobs.
type Janitor struct {
	store      JobStore
	staleAfter time.Duration
	retention  time.Duration
	schedule   string
	now        func() time.Time
	logger     *slog.Logger
}

// NewJanitor creates a Janitor. Non-positive durations disable that sweep.
func NewJanitor(store JobStore, schedule string, staleAfter, retention time.Duration) *Janitor {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Janitor{
		store:      store,
		staleAfter: staleAfter,
		retention:  retention,
		schedule:   schedule,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// Sweep runs one cleanup pass and returns the number of failed and deleted jobs.
func (j *Janitor) Sweep() (failed, deleted int64, err error) {
	now := j.now()
	if j.staleAfter > 0 {
		if failed, err = j.store.FailStaleJobs(now.Add(-j.staleAfter), staleJobError); err != nil {
			return 0, 0, fmt.Errorf("failing stale jobs: %w", err)
		}
	}
	if j.retention > 0 {
		if deleted, err = j.store.DeleteFinishedJobs(now.Add(-j.retention)); err != nil {
			return failed, 0, fmt.Errorf("deleting finished jobs: %w", err)
		}
	}
	if failed > 0 || deleted > 0 {
		j.logger.Info("job sweep", "failed_stale", failed, "deleted", deleted)
	}
	return failed, deleted, nil
}

// Run schedules Sweep until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() {
		if _, _, err := j.Sweep(); err != nil {
			j.logger.Error("job sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling job sweep %q: %w", j.schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
