package scheduler

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is a unit of scheduled work.
type Job interface {
	Run() error
	Name() string
}

// Scheduler drives the accumulation cycle and the periodic status snapshot
// on cron schedules, independently of the engine's liquidation ticker.
type Scheduler struct {
	cron *cron.Cron
}

// New creates a scheduler.
func New() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job. Schedules use cron syntax or descriptors like
// "@every 12h".
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := job.Run(); err != nil {
			log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
		}
	})
	if err != nil {
		return err
	}

	log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("Job registered")
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run()
}
