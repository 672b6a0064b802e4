// Package store provides the JobRepo interface and filter types for durable
// job scheduling.
package store

import (
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
)

// NewJob is the validated input for creating a scheduled job.
type NewJob struct {
	Type           string
	Name           string
	PayloadJSON    string
	Priority       int
	RunAt          time.Time
	RepeatInterval time.Duration
	MaxAttempts    int
	DedupeKey      string
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status models.JobStatus
	Type   string
	Limit  int
}

// JobRepo defines the interface for durable job persistence. Claiming a due
// job is an atomic pending-to-running conditional update, which is what
// enforces single-flight execution per job ID. All post-execution transitions
// are guarded on status = running, so a job cancelled mid-flight ignores its
// completion callback.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a
	// non-terminal job with that key already exists, the call returns the
	// existing job ID without inserting a duplicate.
	EnqueueJob(j NewJob) (string, error)

	// GetJob retrieves a single job by ID.
	GetJob(id string) (*models.Job, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(f JobFilter) ([]models.Job, error)

	// ClaimDueJobs atomically transitions up to limit pending jobs whose
	// next_run <= now to running and returns them, highest priority first.
	ClaimDueJobs(now time.Time, limit int) ([]models.Job, error)

	// CompleteJob transitions a running job to completed.
	CompleteJob(id string, lastRun time.Time) error

	// RescheduleJob returns a running job to pending at nextRun with its
	// attempt counter reset. Used for recurring jobs after both success and
	// failure outcomes.
	RescheduleJob(id string, lastRun, nextRun time.Time, lastError string) error

	// RetryJob returns a running job to pending at nextRun with
	// attempt_count incremented and the error recorded.
	RetryJob(id string, errMsg string, nextRun time.Time) error

	// FailJob transitions a running job to terminal failed.
	FailJob(id string, errMsg string) error

	// CancelJob transitions a non-terminal job to cancelled. Returns
	// models.ErrJobNotCancellable if the job is already terminal.
	CancelJob(id string) error

	// RequeueStaleRunningJobs resets jobs running since before staleBefore
	// back to pending (crash recovery). Should be called once at startup.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	// DeleteTerminalJobsBefore reclaims terminal rows older than cutoff.
	DeleteTerminalJobsBefore(cutoff time.Time) (int, error)
}
