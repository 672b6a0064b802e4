// Package store provides the TokenRepo interface for credential persistence.
package store

import (
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
)

// TokenRepo defines the interface for credential persistence. Upserts and
// rotations are single atomic statements; RotateToken additionally carries a
// compare-and-swap guard on updated_at so two racing refreshes can never
// both win and invalidate each other's credentials.
type TokenRepo interface {
	// SaveToken upserts the credential for (tenant, platform) in one
	// statement, clearing needs_reauth and the refresh failure counter.
	// Called on first issuance and on external re-authorization.
	SaveToken(tenantID string, platform models.Platform, access, refresh string, expiresAt time.Time) error

	// GetToken retrieves the credential for (tenant, platform).
	GetToken(tenantID string, platform models.Platform) (*models.TokenRecord, error)

	// ListTokens returns all credentials for a tenant (all tenants if empty).
	ListTokens(tenantID string) ([]models.TokenRecord, error)

	// ListTokensExpiringBefore returns rotatable credentials (refresh token
	// present, not needs_reauth) whose expires_at falls before cutoff.
	ListTokensExpiringBefore(cutoff time.Time) ([]models.TokenRecord, error)

	// RotateToken replaces the credential guarded by prev.UpdatedAt and
	// appends a rotation history entry. Returns models.ErrConflict if the
	// record changed since prev was read.
	RotateToken(prev *models.TokenRecord, access, refresh string, expiresAt time.Time) error

	// RecordRefreshFailure atomically increments the refresh failure counter,
	// optionally flags needs_reauth, appends a failed rotation history entry,
	// and returns the new failure count.
	RecordRefreshFailure(tenantID string, platform models.Platform, detail string, needsReauth bool) (int, error)

	// MarkTokenNeedsReauth sets the needs_reauth flag without touching the
	// failure counter or rotation history.
	MarkTokenNeedsReauth(tenantID string, platform models.Platform) error

	// GetRotationHistory returns rotation entries newest first, optionally
	// filtered by platform (empty platform means all).
	GetRotationHistory(tenantID string, platform models.Platform) ([]models.RotationEntry, error)
}
