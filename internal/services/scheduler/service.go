package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/common"
	"github.com/ternarybob/pulse/internal/interfaces"
	"github.com/ternarybob/pulse/internal/jobs"
	"github.com/ternarybob/pulse/internal/models"
)

// Service sweeps for abandoned jobs on a cron schedule. A running job
// whose last update is older than the staleness window is failed with a
// readable error. Connection heartbeats never reach here; losing a
// client connection is not a job failure, only a silent executor is.
type Service struct {
	cron       *cron.Cron
	storage    interfaces.JobStorage
	jobService *jobs.Service
	logger     arbor.ILogger
	config     common.SchedulerConfig
	staleAfter time.Duration
}

// NewService creates the stale-job sweeper
func NewService(storage interfaces.JobStorage, jobService *jobs.Service, config common.SchedulerConfig, logger arbor.ILogger) *Service {
	return &Service{
		cron:       cron.New(),
		storage:    storage,
		jobService: jobService,
		logger:     logger,
		config:     config,
		staleAfter: common.ParseDurationOr(config.StaleAfter, 10*time.Minute),
	}
}

// Start registers the sweep schedule and starts the cron runner
func (s *Service) Start() error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Scheduler disabled")
		return nil
	}

	schedule := s.config.SweepSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}

	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return fmt.Errorf("failed to register sweep schedule %q: %w", schedule, err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", schedule).
		Dur("stale_after", s.staleAfter).
		Msg("Stale-job sweeper started")

	return nil
}

// Stop stops the cron runner and waits for a running sweep to finish
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Stale-job sweeper stopped")
}

// Sweep fails running jobs with no progress inside the staleness window
func (s *Service) Sweep() {
	ctx := context.Background()

	running, err := s.storage.ListJobsByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sweep failed to list running jobs")
		return
	}

	cutoff := time.Now().Add(-s.staleAfter)
	swept := 0

	for _, job := range running {
		if job.UpdatedAt.After(cutoff) {
			continue
		}

		msg := fmt.Sprintf("no progress for %s, marking job as abandoned", s.staleAfter)

		// Prefer the live task so the failure goes through the state
		// machine and reaches subscribers
		if task, ok := s.jobService.Task(job.ID); ok {
			if err := task.Fail(ctx, msg); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Sweep could not fail resident job")
				continue
			}
		} else {
			job.MarkFailed(msg)
			if err := s.storage.SaveJob(ctx, job); err != nil {
				s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Sweep failed to persist job failure")
				continue
			}
		}

		swept++
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("last_update", job.UpdatedAt.Format(time.RFC3339)).
			Msg("Stale job failed by sweeper")
	}

	if swept > 0 {
		s.logger.Info().Int("swept", swept).Msg("Sweep completed")
	}
}
