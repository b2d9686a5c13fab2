package queue

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler enqueues time-based jobs onto a Manager according to a cron
// schedule. It owns no execution logic itself; every registered entry just
// calls Manager.Enqueue so jobs flow through the same durable queue and
// worker pool as signal-triggered work.
type Scheduler struct {
	cron *cron.Cron
	mgr  *Manager
	log  zerolog.Logger
}

// NewScheduler creates a scheduler that enqueues onto mgr.
func NewScheduler(mgr *Manager, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		mgr:  mgr,
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins firing registered cron entries.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop waits for any in-flight cron invocation to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers jobType to be enqueued with priority on the given cron
// schedule. Schedule examples: "0 */5 * * * *" (every 5 minutes), "@every 5s".
func (s *Scheduler) AddJob(schedule string, jobType JobType, priority Priority, payload map[string]interface{}) error {
	_, err := s.cron.AddFunc(schedule, func() {
		// Skipping a tick while an earlier one of the same periodic job is
		// still queued keeps a slow consumer from piling up duplicate ticks.
		var queued int
		if err := s.mgr.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE type = ? AND status = 'QUEUED'`, string(jobType)).Scan(&queued); err == nil && queued > 0 {
			return
		}
		job := &Job{
			Type:        jobType,
			Priority:    priority,
			Payload:     payload,
			AvailableAt: time.Now(),
		}
		if err := s.mgr.Enqueue(job); err != nil {
			s.log.Error().Err(err).Str("type", string(jobType)).Msg("failed to enqueue scheduled job")
		}
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", schedule).Str("type", string(jobType)).Msg("job registered")
	return nil
}
