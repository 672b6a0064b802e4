package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/util"
)

// Compile-time check that SQLiteStore implements JobRepo.
var _ JobRepo = (*SQLiteStore)(nil)

const jobColumns = `id, type, name, payload_json, status, priority, run_at, repeat_seconds, attempt_count, max_attempts, last_run, next_run, last_error, locked_at, dedupe_key, created_at, updated_at`

func (s *SQLiteStore) EnqueueJob(j NewJob) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()

	if j.DedupeKey != "" {
		// Check for existing non-terminal job with same dedupe key
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
			j.DedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueJob: dedupe hit", "dedupeKey", j.DedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	runAt := j.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, type, name, payload_json, status, priority, run_at, repeat_seconds, attempt_count, max_attempts, next_run, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		id, j.Type, j.Name, nilIfEmpty(j.PayloadJSON), j.Priority, runAt, int64(j.RepeatInterval/time.Second), j.MaxAttempts, runAt, nilIfEmpty(j.DedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueJob", "id", id, "type", j.Type, "runAt", runAt)
	return id, nil
}

func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLiteStore) ListJobs(f JobFilter) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	var conds []string
	if f.Status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, f.Status)
	}
	if f.Type != "" {
		conds = append(conds, `type = ?`)
		args = append(args, f.Type)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs failed: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) ClaimDueJobs(now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'pending' AND next_run <= ?
		 ORDER BY priority DESC, next_run ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}
	defer rows.Close()

	var candidates []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}

	// Atomic pending->running transition per job; a job claimed by a racing
	// loop (or cancelled meanwhile) is skipped.
	var claimed []models.Job
	for i := range candidates {
		res, err := s.db.Exec(
			`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
			now, now, candidates[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		candidates[i].Status = models.JobStatusRunning
		candidates[i].LockedAt = &now
		claimed = append(claimed, candidates[i])
	}
	return claimed, nil
}

func (s *SQLiteStore) CompleteJob(id string, lastRun time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'completed', last_run = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		lastRun, now, id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RescheduleJob(id string, lastRun, nextRun time.Time, lastError string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'pending', attempt_count = 0, last_run = ?, next_run = ?, last_error = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		lastRun, nextRun, nilIfEmpty(lastError), now, id,
	)
	if err != nil {
		return fmt.Errorf("reschedule job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RetryJob(id string, errMsg string, nextRun time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'pending', attempt_count = attempt_count + 1, last_error = ?, next_run = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		errMsg, nextRun, now, id,
	)
	if err != nil {
		return fmt.Errorf("retry job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(id string, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'failed', attempt_count = attempt_count + 1, last_error = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelJob(id string) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'cancelled', locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(id); err != nil {
			return err
		}
		return models.ErrJobNotCancellable
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'pending', locked_at = NULL, updated_at = ?
		 WHERE status = 'running' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale running jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) DeleteTerminalJobsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM jobs WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
