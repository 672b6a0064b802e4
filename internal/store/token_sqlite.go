package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/util"
)

// Compile-time check that SQLiteStore implements TokenRepo.
var _ TokenRepo = (*SQLiteStore)(nil)

const tokenColumns = `tenant_id, platform, access_token, refresh_token, expires_at, needs_reauth, refresh_failures, last_rotated_at, created_at, updated_at`

func (s *SQLiteStore) SaveToken(tenantID string, platform models.Platform, access, refresh string, expiresAt time.Time) error {
	now := time.Now()
	// Single-statement upsert: issuance and re-authorization both land here,
	// clearing any needs_reauth state from a previous credential.
	_, err := s.db.Exec(
		`INSERT INTO tokens (tenant_id, platform, access_token, refresh_token, expires_at, needs_reauth, refresh_failures, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT(tenant_id, platform) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   needs_reauth = 0,
		   refresh_failures = 0,
		   updated_at = excluded.updated_at`,
		tenantID, platform, access, nilIfEmpty(refresh), expiresAt, now, now,
	)
	if err != nil {
		return fmt.Errorf("save token failed: %w", err)
	}
	slog.Debug("SQLiteStore.SaveToken", "tenantID", tenantID, "platform", platform, "expiresAt", expiresAt)
	return nil
}

func (s *SQLiteStore) GetToken(tenantID string, platform models.Platform) (*models.TokenRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+tokenColumns+` FROM tokens WHERE tenant_id = ? AND platform = ?`,
		tenantID, platform,
	)
	t, err := scanTokenRecord(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListTokens(tenantID string) ([]models.TokenRecord, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens ORDER BY tenant_id, platform`
	var args []interface{}
	if tenantID != "" {
		query = `SELECT ` + tokenColumns + ` FROM tokens WHERE tenant_id = ? ORDER BY platform`
		args = append(args, tenantID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tokens failed: %w", err)
	}
	defer rows.Close()
	return collectTokens(rows)
}

func (s *SQLiteStore) ListTokensExpiringBefore(cutoff time.Time) ([]models.TokenRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+tokenColumns+` FROM tokens
		 WHERE expires_at < ? AND needs_reauth = 0 AND refresh_token IS NOT NULL`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens failed: %w", err)
	}
	defer rows.Close()
	return collectTokens(rows)
}

func (s *SQLiteStore) RotateToken(prev *models.TokenRecord, access, refresh string, expiresAt time.Time) error {
	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("rotate token begin failed: %w", err)
	}
	defer tx.Rollback()

	// Compare-and-swap on updated_at: a rotation racing another writer loses
	// instead of silently clobbering the fresher credential.
	res, err := tx.Exec(
		`UPDATE tokens SET access_token = ?, refresh_token = ?, expires_at = ?, needs_reauth = 0, refresh_failures = 0, last_rotated_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND platform = ? AND updated_at = ?`,
		access, nilIfEmpty(refresh), expiresAt, now, now, prev.TenantID, prev.Platform, prev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("rotate token update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConflict
	}

	_, err = tx.Exec(
		`INSERT INTO token_rotations (id, tenant_id, platform, outcome, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		util.GenerateRandomID("rot_", 32), prev.TenantID, prev.Platform, models.RotationOutcomeRotated, expiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("rotation history insert failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rotate token commit failed: %w", err)
	}
	slog.Debug("SQLiteStore.RotateToken", "tenantID", prev.TenantID, "platform", prev.Platform, "expiresAt", expiresAt)
	return nil
}

func (s *SQLiteStore) RecordRefreshFailure(tenantID string, platform models.Platform, detail string, needsReauth bool) (int, error) {
	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("record refresh failure begin failed: %w", err)
	}
	defer tx.Rollback()

	reauth := 0
	if needsReauth {
		reauth = 1
	}
	res, err := tx.Exec(
		`UPDATE tokens SET refresh_failures = refresh_failures + 1, needs_reauth = MAX(needs_reauth, ?), updated_at = ?
		 WHERE tenant_id = ? AND platform = ?`,
		reauth, now, tenantID, platform,
	)
	if err != nil {
		return 0, fmt.Errorf("record refresh failure update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, models.ErrNotFound
	}

	var failures int
	if err := tx.QueryRow(
		`SELECT refresh_failures FROM tokens WHERE tenant_id = ? AND platform = ?`,
		tenantID, platform,
	).Scan(&failures); err != nil {
		return 0, fmt.Errorf("record refresh failure count failed: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO token_rotations (id, tenant_id, platform, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		util.GenerateRandomID("rot_", 32), tenantID, platform, models.RotationOutcomeFailed, nilIfEmpty(detail), now,
	)
	if err != nil {
		return 0, fmt.Errorf("rotation history insert failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record refresh failure commit failed: %w", err)
	}
	return failures, nil
}

func (s *SQLiteStore) MarkTokenNeedsReauth(tenantID string, platform models.Platform) error {
	res, err := s.db.Exec(
		`UPDATE tokens SET needs_reauth = 1, updated_at = ? WHERE tenant_id = ? AND platform = ?`,
		time.Now(), tenantID, platform,
	)
	if err != nil {
		return fmt.Errorf("mark needs reauth failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetRotationHistory(tenantID string, platform models.Platform) ([]models.RotationEntry, error) {
	query := `SELECT id, tenant_id, platform, outcome, detail, expires_at, created_at FROM token_rotations WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if platform != "" {
		query += ` AND platform = ?`
		args = append(args, platform)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("rotation history query failed: %w", err)
	}
	defer rows.Close()

	var entries []models.RotationEntry
	for rows.Next() {
		r, err := scanRotationEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, r)
	}
	return entries, rows.Err()
}

func collectTokens(rows *sql.Rows) ([]models.TokenRecord, error) {
	var tokens []models.TokenRecord
	for rows.Next() {
		t, err := scanTokenRecord(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
