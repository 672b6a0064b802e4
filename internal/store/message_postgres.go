package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/util"
)

// Compile-time check that PostgresStore implements MessageRepo.
var _ MessageRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueMessage(m NewMessage) (string, error) {
	id := util.GenerateMessageID()
	now := time.Now()

	scheduledFor := m.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = now
	}

	_, err := s.db.Exec(
		`INSERT INTO queued_messages (id, tenant_id, platform, kind, payload_json, priority, priority_rank, status, attempt_count, max_attempts, scheduled_for, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $9, $10, $11)`,
		id, m.TenantID, m.Platform, m.Kind, m.PayloadJSON, m.Priority, m.Priority.Rank(), m.MaxAttempts, scheduledFor, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue message failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueMessage", "id", id, "tenantID", m.TenantID, "platform", m.Platform, "priority", m.Priority)
	return id, nil
}

func (s *PostgresStore) GetMessage(id string) (*models.QueuedMessage, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM queued_messages WHERE id = $1`, id)
	m, err := scanQueuedMessage(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListPendingPlatforms(now time.Time) ([]models.Platform, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT platform FROM queued_messages
		 WHERE status = 'pending' AND scheduled_for <= $1 AND locked_at IS NULL`,
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

func (s *PostgresStore) ClaimDueMessages(now time.Time, limit int, platforms []models.Platform) ([]models.QueuedMessage, error) {
	if len(platforms) == 0 {
		return nil, nil
	}

	args := []interface{}{now, limit}
	in := ""
	for i, p := range platforms {
		if i > 0 {
			in += ", "
		}
		in += fmt.Sprintf("$%d", len(args)+1)
		args = append(args, p)
	}

	rows, err := s.db.Query(
		`UPDATE queued_messages SET locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM queued_messages
		   WHERE status = 'pending' AND scheduled_for <= $1 AND locked_at IS NULL AND platform IN (`+in+`)
		   ORDER BY priority_rank ASC, created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+messageColumns,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []models.QueuedMessage
	for rows.Next() {
		m, err := scanQueuedMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim messages iteration failed: %w", err)
	}

	// RETURNING does not preserve the subquery's order.
	sort.SliceStable(msgs, func(i, j int) bool {
		if ri, rj := msgs[i].Priority.Rank(), msgs[j].Priority.Rank(); ri != rj {
			return ri < rj
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func (s *PostgresStore) MarkMessageSent(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'sent', locked_at = NULL, updated_at = $1
		 WHERE id = $2 AND status = 'pending'`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark message sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RetryMessageLater(id string, errMsg string, nextAttempt time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE queued_messages SET attempt_count = attempt_count + 1, last_error = $1, scheduled_for = $2, locked_at = NULL, updated_at = $3
		 WHERE id = $4 AND status = 'pending'`,
		errMsg, nextAttempt, now, id,
	)
	if err != nil {
		return fmt.Errorf("retry message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkMessageFailed(id string, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'failed', attempt_count = attempt_count + 1, last_error = $1, locked_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = 'pending'`,
		errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark message failed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RescheduleMessage(id string, at time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE queued_messages SET scheduled_for = $1, locked_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = 'pending'`,
		at, now, id,
	)
	if err != nil {
		return fmt.Errorf("reschedule message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseMessage(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE queued_messages SET locked_at = NULL, updated_at = $1 WHERE id = $2 AND status = 'pending'`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("release message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelMessage(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'cancelled', updated_at = $1
		 WHERE id = $2 AND status = 'pending' AND locked_at IS NULL`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountPendingMessages(platform models.Platform) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM queued_messages WHERE platform = $1 AND status = 'pending'`,
		platform,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending messages failed: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DropOldestLowPriority(platform models.Platform) (string, error) {
	now := time.Now()

	var id string
	err := s.db.QueryRow(
		`UPDATE queued_messages SET status = 'cancelled', last_error = 'dropped: queue depth cap', updated_at = $1
		 WHERE id = (
		   SELECT id FROM queued_messages
		   WHERE platform = $2 AND status = 'pending' AND priority = 'low' AND locked_at IS NULL
		   ORDER BY created_at ASC LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id`,
		now, platform,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("drop oldest low priority failed: %w", err)
	}
	slog.Debug("PostgresStore.DropOldestLowPriority", "id", id, "platform", platform)
	return id, nil
}

func (s *PostgresStore) GetQueueStats(tenantID string) (models.QueueStats, error) {
	stats := models.QueueStats{
		TenantID:          tenantID,
		PendingByPriority: make(map[models.MessagePriority]int),
		PendingByPlatform: make(map[models.Platform]int),
	}

	query := `SELECT status, priority, platform, COUNT(*) FROM queued_messages GROUP BY status, priority, platform`
	var args []interface{}
	if tenantID != "" {
		query = `SELECT status, priority, platform, COUNT(*) FROM queued_messages WHERE tenant_id = $1 GROUP BY status, priority, platform`
		args = append(args, tenantID)
	}

	rows, err := s.db.Query(query, args...)
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

func (s *PostgresStore) RequeueStaleClaimedMessages(staleBefore time.Time) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE queued_messages SET locked_at = NULL, updated_at = $1
		 WHERE status = 'pending' AND locked_at IS NOT NULL AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale claimed messages failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleClaimedMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) DeleteTerminalMessagesBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM queued_messages WHERE status IN ('sent', 'failed', 'cancelled') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal messages failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
