/**
 * @description
 * Cron scheduler setup for the payout maintenance jobs.
 */
package app

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobSchedules holds the cron expressions of the maintenance jobs. An empty expression
// disables the job.
type JobSchedules struct {
	Resume    string
	Reconcile string
	Retry     string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *zap.Logger
	schedules JobSchedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *zap.Logger, schedules JobSchedules) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.register("resume stalled batches", s.schedules.Resume, s.jobs.ResumeStalledBatches)
	s.register("reconcile open batches", s.schedules.Reconcile, s.jobs.ReconcileOpenBatches)
	s.register("retry failed batches", s.schedules.Retry, s.jobs.RetryFailedBatches)
	s.cron.Start()
}

func (s *Scheduler) register(name, schedule string, fn func()) {
	if schedule == "" {
		s.logger.Info("job disabled", zap.String("job", name))
		return
	}
	if _, err := s.cron.AddFunc(schedule, fn); err != nil {
		s.logger.Error("failed to schedule job", zap.String("job", name), zap.String("schedule", schedule), zap.Error(err))
		return
	}
	s.logger.Info("scheduled job", zap.String("job", name), zap.String("schedule", schedule))
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
