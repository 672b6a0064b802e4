package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/util"
)

// Compile-time check that PostgresStore implements AlertRepo.
var _ AlertRepo = (*PostgresStore)(nil)

func (s *PostgresStore) CreateAlertIfAbsent(a models.TokenAlert, cooldown time.Duration) (string, bool, error) {
	now := time.Now()

	var existingID string
	err := s.db.QueryRow(
		`SELECT id FROM token_alerts
		 WHERE tenant_id = $1 AND platform = $2 AND condition = $3 AND acknowledged = FALSE AND created_at > $4`,
		a.TenantID, a.Platform, a.Condition, now.Add(-cooldown),
	).Scan(&existingID)
	if err == nil {
		slog.Debug("PostgresStore.CreateAlertIfAbsent: dedup hit", "id", existingID, "condition", a.Condition)
		return existingID, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("alert dedup check failed: %w", err)
	}

	id := util.GenerateRandomID("alert_", 32)
	_, err = s.db.Exec(
		`INSERT INTO token_alerts (id, tenant_id, platform, condition, severity, message, acknowledged, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		id, a.TenantID, a.Platform, a.Condition, a.Severity, a.Message, now,
	)
	if err != nil {
		return "", false, fmt.Errorf("create alert failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateAlertIfAbsent: created", "id", id, "tenantID", a.TenantID, "platform", a.Platform, "condition", a.Condition, "severity", a.Severity)
	return id, true, nil
}

func (s *PostgresStore) ListPendingAlerts(tenantID string) ([]models.TokenAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM token_alerts WHERE acknowledged = FALSE ORDER BY created_at DESC`
	var args []interface{}
	if tenantID != "" {
		query = `SELECT ` + alertColumns + ` FROM token_alerts WHERE acknowledged = FALSE AND tenant_id = $1 ORDER BY created_at DESC`
		args = append(args, tenantID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending alerts failed: %w", err)
	}
	defer rows.Close()

	var alerts []models.TokenAlert
	for rows.Next() {
		a, err := scanTokenAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) AcknowledgeAlert(id string) error {
	res, err := s.db.Exec(`UPDATE token_alerts SET acknowledged = TRUE WHERE id = $1 AND acknowledged = FALSE`, id)
	if err != nil {
		return fmt.Errorf("acknowledge alert failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AcknowledgeAllAlerts(tenantID string, platform models.Platform) (int, error) {
	query := `UPDATE token_alerts SET acknowledged = TRUE WHERE acknowledged = FALSE AND tenant_id = $1`
	args := []interface{}{tenantID}
	if platform != "" {
		query += ` AND platform = $2`
		args = append(args, platform)
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("acknowledge all alerts failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
