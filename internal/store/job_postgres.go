package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/util"
)

// Compile-time check that PostgresStore implements JobRepo.
var _ JobRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueJob(j NewJob) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()

	if j.DedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM jobs WHERE dedupe_key = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
			j.DedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueJob: dedupe hit", "dedupeKey", j.DedupeKey, "existingID", existingID)
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
		 VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, 0, $8, $9, $10, $11, $12)`,
		id, j.Type, j.Name, nilIfEmpty(j.PayloadJSON), j.Priority, runAt, int64(j.RepeatInterval/time.Second), j.MaxAttempts, runAt, nilIfEmpty(j.DedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueJob", "id", id, "type", j.Type, "runAt", runAt)
	return id, nil
}

func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(f JobFilter) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	var conds []string
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf(`status = $%d`, len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf(`type = $%d`, len(args)))
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
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
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

func (s *PostgresStore) ClaimDueJobs(now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.Query(
		`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM jobs WHERE status = 'pending' AND next_run <= $1
		   ORDER BY priority DESC, next_run ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) CompleteJob(id string, lastRun time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'completed', last_run = $1, locked_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = 'running'`,
		lastRun, now, id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RescheduleJob(id string, lastRun, nextRun time.Time, lastError string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'pending', attempt_count = 0, last_run = $1, next_run = $2, last_error = $3, locked_at = NULL, updated_at = $4
		 WHERE id = $5 AND status = 'running'`,
		lastRun, nextRun, nilIfEmpty(lastError), now, id,
	)
	if err != nil {
		return fmt.Errorf("reschedule job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RetryJob(id string, errMsg string, nextRun time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'pending', attempt_count = attempt_count + 1, last_error = $1, next_run = $2, locked_at = NULL, updated_at = $3
		 WHERE id = $4 AND status = 'running'`,
		errMsg, nextRun, now, id,
	)
	if err != nil {
		return fmt.Errorf("retry job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailJob(id string, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'failed', attempt_count = attempt_count + 1, last_error = $1, locked_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = 'running'`,
		errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelJob(id string) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'cancelled', locked_at = NULL, updated_at = $1
		 WHERE id = $2 AND status IN ('pending', 'running')`,
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

func (s *PostgresStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'pending', locked_at = NULL, updated_at = $1
		 WHERE status = 'running' AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale running jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) DeleteTerminalJobsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM jobs WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
