// Package store provides the AlertRepo interface for operator-facing
// credential alerts.
package store

import (
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
)

// AlertRepo defines the interface for token alert persistence. Alerts are
// acknowledged, never deleted.
type AlertRepo interface {
	// CreateAlertIfAbsent inserts the alert unless an unacknowledged alert
	// for the same (tenant, platform, condition) was created within the
	// cooldown window. Returns the alert ID and whether a new row was
	// created (false means the existing alert's ID is returned).
	CreateAlertIfAbsent(a models.TokenAlert, cooldown time.Duration) (string, bool, error)

	// ListPendingAlerts returns unacknowledged alerts, newest first,
	// optionally scoped to a tenant (empty tenantID means all tenants).
	ListPendingAlerts(tenantID string) ([]models.TokenAlert, error)

	// AcknowledgeAlert flags a single alert as acknowledged.
	AcknowledgeAlert(id string) error

	// AcknowledgeAllAlerts flags all unacknowledged alerts for a tenant,
	// optionally restricted to one platform (empty platform means all).
	// Returns the number of alerts acknowledged.
	AcknowledgeAllAlerts(tenantID string, platform models.Platform) (int, error)
}
