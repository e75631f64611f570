// Package scheduler owns the timing of backup runs. It wraps gocron and
// coordinates three concerns: cron-driven ticks for enabled jobs, manual
// triggers from the API, and the concurrency limits — one run per job at a
// time, plus a global cap on simultaneous runs.
//
// Each job maps to exactly one gocron entry, tagged with the job UUID. A tick
// that fires while the same job is still running is skipped, not queued; a
// manual trigger in that state is rejected with ErrBusy. Ticks missed while
// the process was down are not replayed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/metrics"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/runner"
)

// DefaultSlots caps concurrent runs when Config.Slots is unset.
const DefaultSlots = 4

// ErrBusy is returned by RunNow when the job already has a run in flight.
// The API maps it to HTTP 409.
var ErrBusy = errors.New("scheduler: job is already running")

// BackupRunner is the slice of the runner the scheduler drives.
type BackupRunner interface {
	PrepareBackup(ctx context.Context, jobID uuid.UUID) (*runner.Run, error)
	Execute(ctx context.Context, run *runner.Run) error
}

// Config wires a Scheduler.
type Config struct {
	Logger *zap.Logger
	Jobs   repositories.JobRepository
	Runner BackupRunner

	// Slots caps concurrent runs across all jobs. Zero means DefaultSlots.
	Slots int64
}

// Scheduler coordinates job runs. Create instances with New; the zero value
// is not usable.
type Scheduler struct {
	cron   gocron.Scheduler
	jobs   repositories.JobRepository
	runner BackupRunner
	logger *zap.Logger
	slots  *semaphore.Weighted

	// locks holds one *sync.Mutex per job id, created on first use.
	locks sync.Map

	// ctx outlives individual requests: spawned runs are bound to it so
	// they survive the triggering HTTP request and die on Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. Call Start to begin processing ticks.
func New(cfg Config) (*Scheduler, error) {
	cronScheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cronScheduler,
		jobs:   cfg.Jobs,
		runner: cfg.Runner,
		logger: cfg.Logger.Named("scheduler"),
		slots:  semaphore.NewWeighted(cfg.Slots),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start loads all enabled jobs, schedules them, and starts the cron loop.
// Called once at server startup, after the database is ready.
func (s *Scheduler) Start(ctx context.Context) error {
	enabled, err := s.jobs.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load enabled jobs: %w", err)
	}

	for i := range enabled {
		if err := s.addEntry(&enabled[i]); err != nil {
			s.logger.Error("failed to schedule job",
				zap.String("job_id", enabled[i].ID.String()),
				zap.String("job_name", enabled[i].Name),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("scheduler started", zap.Int("jobs_scheduled", len(enabled)))
	s.cron.Start()
	return nil
}

// Stop cancels in-flight runs and shuts down the cron loop, waiting for
// running task functions to return.
func (s *Scheduler) Stop() error {
	s.cancel()
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// Reload rebuilds the entire schedule from persistence. Used after bulk
// changes; single-job changes go through AddJob/UpdateJob/RemoveJob.
func (s *Scheduler) Reload(ctx context.Context) error {
	enabled, err := s.jobs.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: reload: %w", err)
	}

	for _, entry := range s.cron.Jobs() {
		_ = s.cron.RemoveJob(entry.ID())
	}
	for i := range enabled {
		if err := s.addEntry(&enabled[i]); err != nil {
			s.logger.Error("failed to reschedule job",
				zap.String("job_id", enabled[i].ID.String()),
				zap.Error(err),
			)
		}
	}
	s.logger.Info("schedule reloaded", zap.Int("jobs_scheduled", len(enabled)))
	return nil
}

// AddJob schedules a newly created or re-enabled job. Safe while running.
func (s *Scheduler) AddJob(job *db.Job) error {
	if err := s.addEntry(job); err != nil {
		return fmt.Errorf("scheduler: add job %s: %w", job.ID, err)
	}
	s.logger.Info("job scheduled",
		zap.String("job_id", job.ID.String()),
		zap.String("job_name", job.Name),
		zap.String("schedule", job.Schedule),
	)
	return nil
}

// RemoveJob drops a job from the schedule. Safe while running; a run already
// in flight is not interrupted.
func (s *Scheduler) RemoveJob(jobID uuid.UUID) {
	s.cron.RemoveByTags(jobID.String())
	s.logger.Info("job unscheduled", zap.String("job_id", jobID.String()))
}

// UpdateJob reschedules a job after its cron expression or enabled state
// changed.
func (s *Scheduler) UpdateJob(job *db.Job) error {
	s.cron.RemoveByTags(job.ID.String())
	if !job.Enabled {
		s.logger.Info("job disabled, removed from schedule",
			zap.String("job_id", job.ID.String()),
		)
		return nil
	}
	return s.AddJob(job)
}

// RunNow triggers an immediate run, bypassing the cron schedule. It returns
// the new execution's id as soon as the run is admitted; the run itself
// proceeds in the background under the global slot cap. ErrBusy is returned
// when the job already has a run in flight.
func (s *Scheduler) RunNow(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	executionID, err := s.launch(ctx, jobID)
	if err != nil {
		return uuid.Nil, err
	}
	s.logger.Info("manual trigger accepted",
		zap.String("job_id", jobID.String()),
		zap.String("execution_id", executionID.String()),
	)
	return executionID, nil
}

// addEntry registers one gocron entry for the job, tagged with its UUID.
// Singleton mode is belt and braces on top of the per-job mutex: a tick that
// fires into a still-running job is rescheduled, not stacked.
func (s *Scheduler) addEntry(job *db.Job) error {
	_, err := s.cron.NewJob(
		gocron.CronJob(job.Schedule, false),
		gocron.NewTask(func(id uuid.UUID) {
			if _, err := s.launch(s.ctx, id); err != nil {
				if errors.Is(err, ErrBusy) {
					s.logger.Info("tick skipped, previous run still in flight",
						zap.String("job_id", id.String()),
					)
					return
				}
				s.logger.Error("scheduled run failed to start",
					zap.String("job_id", id.String()),
					zap.Error(err),
				)
			}
		}, job.ID),
		gocron.WithTags(job.ID.String()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for job %s (schedule %q): %w",
			job.ID, job.Schedule, err)
	}
	return nil
}

// launch admits one run for jobID: per-job mutex first, then resolve and
// create the execution row, then hand off to a goroutine that waits for a
// global slot and executes. The mutex is held until that goroutine finishes,
// which is what makes overlapping runs of one job impossible.
func (s *Scheduler) launch(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	mu := s.lockFor(jobID)
	if !mu.TryLock() {
		return uuid.Nil, ErrBusy
	}

	run, err := s.runner.PrepareBackup(ctx, jobID)
	if err != nil {
		mu.Unlock()
		return uuid.Nil, err
	}

	// Schedule bookkeeping is non-fatal: the run is already admitted.
	now := time.Now().UTC()
	if next, err := NextRun(run.Job.Schedule, now); err == nil {
		if err := s.jobs.UpdateSchedule(ctx, jobID, now, next); err != nil {
			s.logger.Warn("failed to update job schedule timestamps",
				zap.String("job_id", jobID.String()),
				zap.Error(err),
			)
		}
	}

	go func() {
		defer mu.Unlock()

		// A failed acquire means the scheduler is shutting down; Execute
		// still runs so the execution row finalizes as cancelled.
		if err := s.slots.Acquire(s.ctx, 1); err == nil {
			defer s.slots.Release(1)
		}
		metrics.ExecutionsRunning.Inc()
		defer metrics.ExecutionsRunning.Dec()
		if err := s.runner.Execute(s.ctx, run); err != nil {
			s.logger.Warn("run finished with error",
				zap.String("job_id", jobID.String()),
				zap.String("execution_id", run.Execution.ID.String()),
				zap.Error(err),
			)
		}
	}()

	return run.Execution.ID, nil
}

func (s *Scheduler) lockFor(jobID uuid.UUID) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
