package store

import (
	"fmt"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanQueuedMessage scans a QueuedMessage row. Column order:
// id, tenant_id, platform, kind, payload_json, priority, status,
// attempt_count, max_attempts, scheduled_for, locked_at, last_error,
// created_at, updated_at.
func scanQueuedMessage(sc rowScanner) (models.QueuedMessage, error) {
	var m models.QueuedMessage
	var payloadJSON, lastError *string
	var lockedAt *time.Time
	err := sc.Scan(
		&m.ID, &m.TenantID, &m.Platform, &m.Kind, &payloadJSON, &m.Priority,
		&m.Status, &m.AttemptCount, &m.MaxAttempts, &m.ScheduledFor,
		&lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan queued message failed: %w", err)
	}
	if payloadJSON != nil {
		m.PayloadJSON = *payloadJSON
	}
	if lastError != nil {
		m.LastError = *lastError
	}
	m.LockedAt = lockedAt
	return m, nil
}

// scanJob scans a Job row. Column order:
// id, type, name, payload_json, status, priority, run_at, repeat_seconds,
// attempt_count, max_attempts, last_run, next_run, last_error, locked_at,
// dedupe_key, created_at, updated_at.
func scanJob(sc rowScanner) (models.Job, error) {
	var j models.Job
	var payloadJSON, lastError, dedupeKey *string
	var lastRun, lockedAt *time.Time
	var repeatSeconds int64
	err := sc.Scan(
		&j.ID, &j.Type, &j.Name, &payloadJSON, &j.Status, &j.Priority,
		&j.RunAt, &repeatSeconds, &j.AttemptCount, &j.MaxAttempts,
		&lastRun, &j.NextRun, &lastError, &lockedAt, &dedupeKey,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	if payloadJSON != nil {
		j.PayloadJSON = *payloadJSON
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	if dedupeKey != nil {
		j.DedupeKey = *dedupeKey
	}
	j.RepeatInterval = time.Duration(repeatSeconds) * time.Second
	j.LastRun = lastRun
	j.LockedAt = lockedAt
	return j, nil
}

// scanTokenRecord scans a TokenRecord row. Column order:
// tenant_id, platform, access_token, refresh_token, expires_at,
// needs_reauth, refresh_failures, last_rotated_at, created_at, updated_at.
func scanTokenRecord(sc rowScanner) (models.TokenRecord, error) {
	var t models.TokenRecord
	var refreshToken *string
	var lastRotatedAt *time.Time
	err := sc.Scan(
		&t.TenantID, &t.Platform, &t.AccessToken, &refreshToken, &t.ExpiresAt,
		&t.NeedsReauth, &t.RefreshFailures, &lastRotatedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, fmt.Errorf("scan token record failed: %w", err)
	}
	if refreshToken != nil {
		t.RefreshToken = *refreshToken
	}
	t.LastRotatedAt = lastRotatedAt
	return t, nil
}

// scanRotationEntry scans a RotationEntry row. Column order:
// id, tenant_id, platform, outcome, detail, expires_at, created_at.
func scanRotationEntry(sc rowScanner) (models.RotationEntry, error) {
	var r models.RotationEntry
	var detail *string
	var expiresAt *time.Time
	err := sc.Scan(&r.ID, &r.TenantID, &r.Platform, &r.Outcome, &detail, &expiresAt, &r.CreatedAt)
	if err != nil {
		return r, fmt.Errorf("scan rotation entry failed: %w", err)
	}
	if detail != nil {
		r.Detail = *detail
	}
	if expiresAt != nil {
		r.ExpiresAt = *expiresAt
	}
	return r, nil
}

// scanTokenAlert scans a TokenAlert row. Column order:
// id, tenant_id, platform, condition, severity, message, acknowledged, created_at.
func scanTokenAlert(sc rowScanner) (models.TokenAlert, error) {
	var a models.TokenAlert
	err := sc.Scan(&a.ID, &a.TenantID, &a.Platform, &a.Condition, &a.Severity, &a.Message, &a.Acknowledged, &a.CreatedAt)
	if err != nil {
		return a, fmt.Errorf("scan token alert failed: %w", err)
	}
	return a, nil
}
