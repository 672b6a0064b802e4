// Package scheduler provides the durable job scheduler.
//
// Jobs are persisted through store.JobRepo and claimed with an atomic
// pending-to-running transition, so each job ID has at most one in-flight
// execution even with multiple loops polling. Recurring jobs reschedule
// after both success and failure outcomes, which keeps periodic health and
// token sweeps alive across isolated failures.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/notify"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/store"
)

// Handler executes a job's work. It receives the job's payload JSON and
// returns an error if the execution failed.
type Handler func(ctx context.Context, payload string) error

// Config holds scheduler tuning knobs.
type Config struct {
	PollInterval   time.Duration
	ClaimLimit     int
	StaleThreshold time.Duration
	ExecTimeout    time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	// StoreErrorBudget is the number of consecutive failed polls tolerated
	// before an operational alert fires.
	StoreErrorBudget int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     time.Second,
		ClaimLimit:       10,
		StaleThreshold:   5 * time.Minute,
		ExecTimeout:      time.Minute,
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       30 * time.Minute,
		MaxAttempts:      5,
		StoreErrorBudget: 10,
	}
}

// JobOptions carries the optional parameters of CreateJob.
type JobOptions struct {
	Priority       int
	RunAt          time.Time
	RepeatInterval time.Duration
	MaxAttempts    int
	DedupeKey      string
}

// Scheduler claims due jobs from the store and dispatches them to
// registered handlers.
type Scheduler struct {
	repo     store.JobRepo
	notifier notify.Notifier
	cfg      Config

	mu         sync.RWMutex
	handlers   map[string]Handler
	pollErrors int
}

// New creates a Scheduler.
func New(repo store.JobRepo, notifier notify.Notifier, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		repo:     repo,
		notifier: notifier,
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler registers a handler for a given job type. Job types are
// the payload discriminator: CreateJob rejects types with no handler.
func (s *Scheduler) RegisterHandler(jobType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = h
	slog.Debug("Scheduler.RegisterHandler", "type", jobType)
}

// CreateJob persists a new job and returns its ID.
func (s *Scheduler) CreateJob(jobType, name, payloadJSON string, opts JobOptions) (string, error) {
	s.mu.RLock()
	_, known := s.handlers[jobType]
	s.mu.RUnlock()
	if !known {
		return "", fmt.Errorf("%w: no handler for job type %q", models.ErrUnknownPayloadType, jobType)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}
	return s.repo.EnqueueJob(store.NewJob{
		Type:           jobType,
		Name:           name,
		PayloadJSON:    payloadJSON,
		Priority:       opts.Priority,
		RunAt:          opts.RunAt,
		RepeatInterval: opts.RepeatInterval,
		MaxAttempts:    maxAttempts,
		DedupeKey:      opts.DedupeKey,
	})
}

// CancelJob cancels a non-terminal job. An execution already in flight is
// not aborted; its completion callback becomes a no-op.
func (s *Scheduler) CancelJob(id string) error {
	return s.repo.CancelJob(id)
}

// GetJobStatus returns one job.
func (s *Scheduler) GetJobStatus(id string) (*models.Job, error) {
	return s.repo.GetJob(id)
}

// GetJobs lists jobs matching the filter.
func (s *Scheduler) GetJobs(f store.JobFilter) ([]models.Job, error) {
	return s.repo.ListJobs(f)
}

// RecoverStaleJobs requeues jobs that were running when the process
// crashed. Should be called once at startup.
func (s *Scheduler) RecoverStaleJobs() error {
	staleBefore := time.Now().Add(-s.cfg.StaleThreshold)
	n, err := s.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Scheduler.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Scheduler.Run: starting", "pollInterval", s.cfg.PollInterval)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler.Run: stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick claims and executes all currently due jobs. Exposed for tests and
// for the startup catch-up pass.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()
	jobs, err := s.repo.ClaimDueJobs(now, s.cfg.ClaimLimit)
	if err != nil {
		// The loop retries its own tick rather than crashing; a persistent
		// store outage escalates to an operational alert.
		s.pollErrors++
		slog.Error("Scheduler.Tick: claim failed", "error", err, "consecutive", s.pollErrors)
		if s.pollErrors == s.cfg.StoreErrorBudget && s.notifier != nil {
			s.notifier.OperationalAlert("scheduler", fmt.Sprintf("job claim failing persistently: %v", err))
		}
		return
	}
	s.pollErrors = 0

	for i := range jobs {
		s.execute(ctx, &jobs[i])
	}
}

func (s *Scheduler) execute(ctx context.Context, job *models.Job) {
	s.mu.RLock()
	handler, ok := s.handlers[job.Type]
	s.mu.RUnlock()

	now := time.Now()
	if !ok {
		slog.Warn("Scheduler.execute: no handler for job type", "type", job.Type, "id", job.ID)
		s.settle(job, now, fmt.Errorf("no handler registered for type %q", job.Type))
		return
	}

	slog.Debug("Scheduler.execute: running job", "id", job.ID, "type", job.Type, "attempt", job.AttemptCount)
	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	err := handler(execCtx, job.PayloadJSON)
	cancel()
	s.settle(job, time.Now(), err)
}

// settle applies the execution outcome. Every transition is guarded on
// status = running in the store, so a job cancelled mid-flight ignores its
// outcome.
func (s *Scheduler) settle(job *models.Job, now time.Time, execErr error) {
	if job.RepeatInterval > 0 {
		// Recurrence is independent of success or failure.
		nextRun := now.Add(job.RepeatInterval)
		errMsg := ""
		if execErr != nil {
			errMsg = execErr.Error()
			slog.Error("Scheduler.settle: recurring job failed, rescheduling", "id", job.ID, "type", job.Type, "error", execErr, "nextRun", nextRun)
		}
		if err := s.repo.RescheduleJob(job.ID, now, nextRun, errMsg); err != nil {
			slog.Error("Scheduler.settle: reschedule error", "id", job.ID, "error", err)
		}
		return
	}

	if execErr == nil {
		if err := s.repo.CompleteJob(job.ID, now); err != nil {
			slog.Error("Scheduler.settle: complete error", "id", job.ID, "error", err)
		}
		slog.Debug("Scheduler.settle: job completed", "id", job.ID, "type", job.Type)
		return
	}

	if job.AttemptCount+1 >= job.MaxAttempts {
		slog.Error("Scheduler.settle: job failed permanently", "id", job.ID, "type", job.Type, "attempts", job.AttemptCount+1, "error", execErr)
		if err := s.repo.FailJob(job.ID, execErr.Error()); err != nil {
			slog.Error("Scheduler.settle: fail error", "id", job.ID, "error", err)
		}
		return
	}

	nextRun := now.Add(s.backoff(job.AttemptCount))
	slog.Warn("Scheduler.settle: job failed, retrying", "id", job.ID, "type", job.Type, "attempt", job.AttemptCount+1, "nextRun", nextRun, "error", execErr)
	if err := s.repo.RetryJob(job.ID, execErr.Error(), nextRun); err != nil {
		slog.Error("Scheduler.settle: retry error", "id", job.ID, "error", err)
	}
}

// backoff computes the retry delay for the given completed attempt count.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BaseBackoff << attempt
	if d > s.cfg.MaxBackoff || d <= 0 {
		d = s.cfg.MaxBackoff
	}
	return d
}
