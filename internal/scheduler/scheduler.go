package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/store"
)

// DefaultInterval is how often the scheduler checks for due jobs.
const DefaultInterval = 60 * time.Second

// Job run outcomes recorded in ScheduledJob.LastRunStatus.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ProcessStarter starts a token at a process reference. Satisfied by
// engine.Launcher.
type ProcessStarter interface {
	Launch(ctx context.Context, ref string, params map[string]any, opts engine.LaunchOptions) (*store.TokenContext, error)
}

// Scheduler polls the store for due scheduled jobs and starts their
// processes.
type Scheduler struct {
	store    store.Store
	starter  ProcessStarter
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently starting (dedup)
}

// NewScheduler creates a new Scheduler. A zero interval means DefaultInterval.
func NewScheduler(s store.Store, starter ProcessStarter, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: interval,
		logger:   logging.OrNop(logger).With("component", "scheduler"),
		inflight: make(map[string]struct{}),
	}
}

// Schedule validates the cron expression and stores an enabled job that
// starts ref. The first run is the next cron activation after now.
func (s *Scheduler) Schedule(ctx context.Context, ref, cronExpr string, params map[string]any, priority int) (*store.ScheduledJob, error) {
	now := time.Now().UTC()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return nil, err
	}
	job := &store.ScheduledJob{
		ProcessRef:     ref,
		CronExpression: cronExpr,
		Params:         params,
		Priority:       priority,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create scheduled job: %w", err)
	}
	s.logger.Info("job scheduled", "job_id", job.ID, "process", ref, "cron", cronExpr, "next_run_at", next)
	return job, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every enabled job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job", "job_id", job.ID, "error", err)
		}
		s.releaseJob(job.ID)
	}
}

// runJob starts the job's process and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job", "job_id", job.ID, "process", job.ProcessRef)

	status := StatusSuccess
	tc, err := s.starter.Launch(ctx, job.ProcessRef, job.Params, engine.LaunchOptions{
		Priority:  job.Priority,
		QueueType: "scheduled",
	})
	if err != nil {
		status = StatusError
		s.logger.Error("scheduled job start failed", "job_id", job.ID, "error", err)
	} else {
		s.logger.Debug("scheduled job started token", "job_id", job.ID, "token_id", tc.ID)
	}

	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for the current tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed starts once every job whose next run passed while the
// scheduler was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.Error("failed to recover missed job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", "count", recovered)
	}
	return nil
}
