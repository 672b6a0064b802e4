package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/util"
)

// Compile-time check that SQLiteStore implements MessageRepo.
var _ MessageRepo = (*SQLiteStore)(nil)

const messageColumns = `id, tenant_id, platform, kind, payload_json, priority, status, attempt_count, max_attempts, scheduled_for, locked_at, last_error, created_at, updated_at`

func (s *SQLiteStore) EnqueueMessage(m NewMessage) (string, error) {
	id := util.GenerateMessageID()
	now := time.Now()

	scheduledFor := m.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = now
	}

	_, err := s.db.Exec(
		`INSERT INTO queued_messages (id, tenant_id, platform, kind, payload_json, priority, priority_rank, status, attempt_count, max_attempts, scheduled_for, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		id, m.TenantID, m.Platform, m.Kind, m.PayloadJSON, m.Priority, m.Priority.Rank(), m.MaxAttempts, scheduledFor, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue message failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueMessage", "id", id, "tenantID", m.TenantID, "platform", m.Platform, "priority", m.Priority)
	return id, nil
}

func (s *SQLiteStore) GetMessage(id string) (*models.QueuedMessage, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM queued_messages WHERE id = ?`, id)
	m, err := scanQueuedMessage(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) ListPendingPlatforms(now time.Time) ([]models.Platform, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT platform FROM queued_messages
		 WHERE status = 'pending' AND scheduled_for <= ? AND locked_at IS NULL`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending platforms failed: %w", err)
	}
	defer rows.Close()

	var platforms []models.Platform
	for rows.Next() {
		var p models.Platform
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan platform failed: %w", err)
		}
		platforms = append(platforms, p)
	}
	return platforms, rows.Err()
}

func (s *SQLiteStore) ClaimDueMessages(now time.Time, limit int, platforms []models.Platform) ([]models.QueuedMessage, error) {
	if len(platforms) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(platforms)), ",")
	args := []interface{}{now}
	for _, p := range platforms {
		args = append(args, p)
	}
	args = append(args, limit)

	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM queued_messages
		 WHERE status = 'pending' AND scheduled_for <= ? AND locked_at IS NULL AND platform IN (`+placeholders+`)
		 ORDER BY priority_rank ASC, created_at ASC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due messages query failed: %w", err)
	}
	defer rows.Close()

	var candidates []models.QueuedMessage
	for rows.Next() {
		m, err := scanQueuedMessage(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due messages iteration failed: %w", err)
	}

	// Conditional per-row claim: a row that lost a racing claim is skipped.
	var claimed []models.QueuedMessage
	for i := range candidates {
		res, err := s.db.Exec(
			`UPDATE queued_messages SET locked_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'pending' AND locked_at IS NULL`,
			now, now, candidates[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim message failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		candidates[i].LockedAt = &now
		claimed = append(claimed, candidates[i])
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkMessageSent(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'sent', locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark message sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RetryMessageLater(id string, errMsg string, nextAttempt time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE queued_messages SET attempt_count = attempt_count + 1, last_error = ?, scheduled_for = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		errMsg, nextAttempt, now, id,
	)
	if err != nil {
		return fmt.Errorf("retry message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkMessageFailed(id string, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'failed', attempt_count = attempt_count + 1, last_error = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark message failed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RescheduleMessage(id string, at time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE queued_messages SET scheduled_for = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		at, now, id,
	)
	if err != nil {
		return fmt.Errorf("reschedule message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseMessage(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE queued_messages SET locked_at = NULL, updated_at = ? WHERE id = ? AND status = 'pending'`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("release message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelMessage(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'cancelled', updated_at = ?
		 WHERE id = ? AND status = 'pending' AND locked_at IS NULL`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountPendingMessages(platform models.Platform) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM queued_messages WHERE platform = ? AND status = 'pending'`,
		platform,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending messages failed: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) DropOldestLowPriority(platform models.Platform) (string, error) {
	now := time.Now()

	var id string
	err := s.db.QueryRow(
		`SELECT id FROM queued_messages
		 WHERE platform = ? AND status = 'pending' AND priority = 'low' AND locked_at IS NULL
		 ORDER BY created_at ASC LIMIT 1`,
		platform,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("drop candidate lookup failed: %w", err)
	}

	res, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'cancelled', last_error = 'dropped: queue depth cap', updated_at = ?
		 WHERE id = ? AND status = 'pending' AND locked_at IS NULL`,
		now, id,
	)
	if err != nil {
		return "", fmt.Errorf("drop oldest low priority failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", models.ErrNotFound
	}
	slog.Debug("SQLiteStore.DropOldestLowPriority", "id", id, "platform", platform)
	return id, nil
}

func (s *SQLiteStore) GetQueueStats(tenantID string) (models.QueueStats, error) {
	stats := models.QueueStats{
		TenantID:          tenantID,
		PendingByPriority: make(map[models.MessagePriority]int),
		PendingByPlatform: make(map[models.Platform]int),
	}

	where := ""
	var args []interface{}
	if tenantID != "" {
		where = " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}

	rows, err := s.db.Query(`SELECT status, priority, platform, COUNT(*) FROM queued_messages`+where+` GROUP BY status, priority, platform`, args...)
	if err != nil {
		return stats, fmt.Errorf("queue stats query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.MessageStatus
		var priority models.MessagePriority
		var platform models.Platform
		var n int
		if err := rows.Scan(&status, &priority, &platform, &n); err != nil {
			return stats, fmt.Errorf("queue stats scan failed: %w", err)
		}
		switch status {
		case models.MessageStatusPending:
			stats.Pending += n
			stats.PendingByPriority[priority] += n
			stats.PendingByPlatform[platform] += n
		case models.MessageStatusSent:
			stats.Sent += n
		case models.MessageStatusFailed:
			stats.Failed += n
		case models.MessageStatusCancelled:
			stats.Cancelled += n
		}
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) RequeueStaleClaimedMessages(staleBefore time.Time) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE queued_messages SET locked_at = NULL, updated_at = ?
		 WHERE status = 'pending' AND locked_at IS NOT NULL AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale claimed messages failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleClaimedMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) DeleteTerminalMessagesBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM queued_messages WHERE status IN ('sent', 'failed', 'cancelled') AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal messages failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
