package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// jobTimeout bounds a single scheduled run.
const jobTimeout = 5 * time.Minute

// Schedule holds cron specs for each job.
type Schedule struct {
	Sweep string
	Sync  string
}

// JobStats tracks the runs of one scheduled job.
type JobStats struct {
	Schedule   string    `json:"schedule"`
	Runs       int64     `json:"runs"`
	Errors     int64     `json:"errors"`
	LastRun    time.Time `json:"last_run"`
	LastError  string    `json:"last_error,omitempty"`
	LastFinish time.Time `json:"last_finish"`
}

// Scheduler runs Jobs on cron schedules.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	schedule Schedule

	mu    sync.Mutex
	stats map[string]*JobStats
}

// NewScheduler creates a scheduler. Panics inside a job are recovered and
// overlapping runs of the same job are skipped.
func NewScheduler(jobs *Jobs, schedule Schedule) *Scheduler {
	logger := log.With().Str("component", "cron").Logger()
	cronLogger := cron.PrintfLogger(&logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		schedule: schedule,
		stats:    map[string]*JobStats{},
	}
}

// Start registers the jobs and starts the cron loop. A job with an empty
// schedule is not registered.
func (s *Scheduler) Start() error {
	if err := s.register("sweep", s.schedule.Sweep, func(ctx context.Context) error {
		_, err := s.jobs.Sweep(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := s.register("sync-usage", s.schedule.Sync, func(ctx context.Context) error {
		_, err := s.jobs.SyncUsage(ctx)
		return err
	}); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) register(name, spec string, run func(ctx context.Context) error) error {
	if spec == "" {
		log.Info().Str("job", name).Msg("Job disabled, no schedule")
		return nil
	}

	s.mu.Lock()
	s.stats[name] = &JobStats{Schedule: spec}
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(spec, func() { s.run(name, run) }); err != nil {
		log.Error().Err(err).Str("job", name).Str("schedule", spec).Msg("Failed to schedule job")
		return err
	}
	log.Info().Str("job", name).Str("schedule", spec).Msg("Scheduled job")
	return nil
}

func (s *Scheduler) run(name string, run func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	err := run(ctx)

	s.mu.Lock()
	st := s.stats[name]
	st.Runs++
	st.LastRun = start
	st.LastFinish = time.Now()
	st.LastError = ""
	if err != nil {
		st.Errors++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("job", name).Dur("duration", time.Since(start)).Msg("Scheduled job failed")
		return
	}
	log.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("Scheduled job completed")
}

// Stats returns a copy of per-job statistics.
func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStats, len(s.stats))
	for k, v := range s.stats {
		out[k] = *v
	}
	return out
}

// Stop stops scheduling and waits for running jobs up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Info().Msg("Scheduler stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Scheduler stop timed out")
	}
}
