package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/util"
)

// Compile-time check that PostgresStore implements TokenRepo.
var _ TokenRepo = (*PostgresStore)(nil)

func (s *PostgresStore) SaveToken(tenantID string, platform models.Platform, access, refresh string, expiresAt time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO tokens (tenant_id, platform, access_token, refresh_token, expires_at, needs_reauth, refresh_failures, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, 0, $6, $7)
		 ON CONFLICT (tenant_id, platform) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   needs_reauth = FALSE,
		   refresh_failures = 0,
		   updated_at = EXCLUDED.updated_at`,
		tenantID, platform, access, nilIfEmpty(refresh), expiresAt, now, now,
	)
	if err != nil {
		return fmt.Errorf("save token failed: %w", err)
	}
	slog.Debug("PostgresStore.SaveToken", "tenantID", tenantID, "platform", platform, "expiresAt", expiresAt)
	return nil
}

func (s *PostgresStore) GetToken(tenantID string, platform models.Platform) (*models.TokenRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+tokenColumns+` FROM tokens WHERE tenant_id = $1 AND platform = $2`,
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

func (s *PostgresStore) ListTokens(tenantID string) ([]models.TokenRecord, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens ORDER BY tenant_id, platform`
	var args []interface{}
	if tenantID != "" {
		query = `SELECT ` + tokenColumns + ` FROM tokens WHERE tenant_id = $1 ORDER BY platform`
		args = append(args, tenantID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tokens failed: %w", err)
	}
	defer rows.Close()
	return collectTokens(rows)
}

func (s *PostgresStore) ListTokensExpiringBefore(cutoff time.Time) ([]models.TokenRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+tokenColumns+` FROM tokens
		 WHERE expires_at < $1 AND needs_reauth = FALSE AND refresh_token IS NOT NULL`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens failed: %w", err)
	}
	defer rows.Close()
	return collectTokens(rows)
}

func (s *PostgresStore) RotateToken(prev *models.TokenRecord, access, refresh string, expiresAt time.Time) error {
	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("rotate token begin failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE tokens SET access_token = $1, refresh_token = $2, expires_at = $3, needs_reauth = FALSE, refresh_failures = 0, last_rotated_at = $4, updated_at = $5
		 WHERE tenant_id = $6 AND platform = $7 AND updated_at = $8`,
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
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		util.GenerateRandomID("rot_", 32), prev.TenantID, prev.Platform, models.RotationOutcomeRotated, expiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("rotation history insert failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rotate token commit failed: %w", err)
	}
	slog.Debug("PostgresStore.RotateToken", "tenantID", prev.TenantID, "platform", prev.Platform, "expiresAt", expiresAt)
	return nil
}

func (s *PostgresStore) RecordRefreshFailure(tenantID string, platform models.Platform, detail string, needsReauth bool) (int, error) {
	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("record refresh failure begin failed: %w", err)
	}
	defer tx.Rollback()

	var failures int
	err = tx.QueryRow(
		`UPDATE tokens SET refresh_failures = refresh_failures + 1, needs_reauth = needs_reauth OR $1, updated_at = $2
		 WHERE tenant_id = $3 AND platform = $4
		 RETURNING refresh_failures`,
		needsReauth, now, tenantID, platform,
	).Scan(&failures)
	if err == sql.ErrNoRows {
		return 0, models.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record refresh failure update failed: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO token_rotations (id, tenant_id, platform, outcome, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
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

func (s *PostgresStore) MarkTokenNeedsReauth(tenantID string, platform models.Platform) error {
	res, err := s.db.Exec(
		`UPDATE tokens SET needs_reauth = TRUE, updated_at = $1 WHERE tenant_id = $2 AND platform = $3`,
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

func (s *PostgresStore) GetRotationHistory(tenantID string, platform models.Platform) ([]models.RotationEntry, error) {
	query := `SELECT id, tenant_id, platform, outcome, detail, expires_at, created_at FROM token_rotations WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if platform != "" {
		query += ` AND platform = $2`
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
