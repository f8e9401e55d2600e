// Package scheduler drives the controller's single cooperative cron
// tick and the lease-expiry reaper. Ticking itself follows a
// select-on-ticker-or-ctx.Done pattern, generalized from a 100ms
// job-drain poll to a 60-second cron scan.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/foundry-ci/foundry/internal/store"
)

// Scheduler owns the tick loop. It holds no state of its own beyond
// the tick/lease intervals — all scheduling state lives in the Store.
// A zero leaseTTL turns the lease-expiry reaper off.
type Scheduler struct {
	store        *store.Store
	log          *logrus.Logger
	tickInterval time.Duration
	leaseTTL     time.Duration
}

func New(s *store.Store, log *logrus.Logger, tickInterval, leaseTTL time.Duration) *Scheduler {
	return &Scheduler{store: s, log: log, tickInterval: tickInterval, leaseTTL: leaseTTL}
}

// Run blocks until ctx is cancelled, firing one tick immediately and
// then every tickInterval. Ticks never overlap with themselves because
// the select loop only re-enters after the previous tick's work
// (runTick) returns.
func (s *Scheduler) Run(ctx context.Context) {
	s.runTick(ctx)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.store.DueSchedules(now)
	if err != nil {
		s.log.WithError(err).Error("scheduler: listing due schedules")
	}
	for _, entry := range due {
		if _, err := s.store.EnqueueScheduledJob(entry.ID, entry.RepoID, entry.Branch); err != nil {
			// step 2: failures are logged and skipped, not fatal to the tick.
			s.log.WithError(err).WithField("schedule_id", entry.ID).Error("scheduler: enqueue_scheduled_job")
			continue
		}
		if err := s.store.AdvanceSchedule(entry.ID, now); err != nil {
			s.log.WithError(err).WithField("schedule_id", entry.ID).Error("scheduler: advance_schedule")
		}
	}

	if s.leaseTTL > 0 {
		reaped, err := s.store.ReapExpiredClaims(s.leaseTTL)
		if err != nil {
			s.log.WithError(err).Error("scheduler: reap_expired_claims")
			return
		}
		for _, jobID := range reaped {
			s.log.WithField("job_id", jobID).Warn("scheduler: reaped expired lease, job returned to queue")
		}
	}
}
