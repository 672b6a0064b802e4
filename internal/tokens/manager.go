// Package tokens implements the credential lifecycle manager: proactive
// rotation ahead of expiry, single-flight refresh per (tenant, platform),
// failure escalation, and operator alerting.
//
// The actual token exchange against a platform's auth server is an external
// capability injected as a RefreshFunc; this package owns everything around
// it: scheduling, concurrency control, persistence, and alert dedup.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/notify"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/store"
)

// ErrInvalidGrant marks a refresh rejection that can never succeed on
// retry (revoked or consumed refresh credential). RefreshFunc
// implementations wrap it so the manager flags needs_reauth immediately
// instead of burning the failure budget.
var ErrInvalidGrant = errors.New("refresh credential rejected")

// RefreshResult carries the credentials returned by a successful refresh.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// RefreshFunc exchanges a refresh credential for fresh tokens. An empty
// RefreshToken in the result means the platform did not issue a new one
// and the previous refresh credential stays valid.
type RefreshFunc func(ctx context.Context, tenantID string, platform models.Platform, refreshToken string) (RefreshResult, error)

// Config holds lifecycle tuning knobs.
type Config struct {
	// RefreshLead is how far before expiry the sweep rotates a token.
	RefreshLead time.Duration
	// RefreshTimeout bounds a single RefreshFunc call.
	RefreshTimeout time.Duration
	// AlertCooldown is the dedup window for repeated alert conditions.
	AlertCooldown time.Duration
	// MaxRefreshFailures is the consecutive-failure budget before the
	// record is flagged needs_reauth.
	MaxRefreshFailures int
	// CriticalAfter is the consecutive-failure count at which alert
	// severity escalates from warning to critical.
	CriticalAfter int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RefreshLead:        time.Hour,
		RefreshTimeout:     30 * time.Second,
		AlertCooldown:      6 * time.Hour,
		MaxRefreshFailures: 3,
		CriticalAfter:      2,
	}
}

// storeDeps is the slice of the store the manager needs.
type storeDeps interface {
	store.TokenRepo
	store.AlertRepo
}

// Manager is the token lifecycle manager.
type Manager struct {
	st       storeDeps
	notifier notify.Notifier
	refresh  RefreshFunc
	cfg      Config

	mu       sync.Mutex
	inflight map[string]bool
}

// NewManager creates a Manager. refresh may be nil, in which case rotation
// attempts fail and only health classification and alerting operate.
func NewManager(st storeDeps, notifier notify.Notifier, refresh RefreshFunc, cfg Config) *Manager {
	if cfg.RefreshLead <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		st:       st,
		notifier: notifier,
		refresh:  refresh,
		cfg:      cfg,
		inflight: make(map[string]bool),
	}
}

// StoreToken persists a freshly issued credential, clearing any
// needs_reauth flag and the failure counter.
func (m *Manager) StoreToken(tenantID string, platform models.Platform, access, refresh string, expiresAt time.Time) error {
	if tenantID == "" {
		return models.ErrEmptyTenant
	}
	if platform == "" {
		return models.ErrEmptyPlatform
	}
	if err := m.st.SaveToken(tenantID, platform, access, refresh, expiresAt); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	slog.Info("Manager.StoreToken: credential stored", "tenantID", tenantID, "platform", platform, "expiresAt", expiresAt)
	return nil
}

// GetTokenHealthStatus classifies the credential for (tenant, platform).
func (m *Manager) GetTokenHealthStatus(tenantID string, platform models.Platform) (models.TokenHealth, error) {
	rec, err := m.st.GetToken(tenantID, platform)
	if err != nil {
		return "", err
	}
	return rec.Health(time.Now()), nil
}

// IsUsable reports whether outbound sends for (tenant, platform) should be
// dispatched. A credential that is expired or needs re-authorization gates
// dispatch; an absent record does not, since not every platform routes its
// auth through this manager.
func (m *Manager) IsUsable(tenantID string, platform models.Platform) bool {
	rec, err := m.st.GetToken(tenantID, platform)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("Manager.IsUsable: lookup failed", "tenantID", tenantID, "platform", platform, "error", err)
		}
		return true
	}
	switch rec.Health(time.Now()) {
	case models.TokenExpired, models.TokenNeedsReauth:
		return false
	default:
		return true
	}
}

// CheckTokenExpiry classifies the credential and, when it is expired or
// inside the refresh lead, attempts an immediate rotation. Returns the
// health after any rotation attempt.
func (m *Manager) CheckTokenExpiry(ctx context.Context, tenantID string, platform models.Platform) (models.TokenHealth, error) {
	rec, err := m.st.GetToken(tenantID, platform)
	if err != nil {
		return "", err
	}

	now := time.Now()
	health := rec.Health(now)
	if health == models.TokenNeedsReauth {
		return health, nil
	}
	if health == models.TokenHealthy && rec.ExpiresAt.Sub(now) > m.cfg.RefreshLead {
		return health, nil
	}

	if err := m.RotateToken(ctx, tenantID, platform); err != nil {
		if errors.Is(err, models.ErrRotationInFlight) {
			return health, nil
		}
		slog.Warn("Manager.CheckTokenExpiry: rotation failed", "tenantID", tenantID, "platform", platform, "error", err)
		return health, nil
	}

	rec, err = m.st.GetToken(tenantID, platform)
	if err != nil {
		return health, err
	}
	return rec.Health(time.Now()), nil
}

// RotateToken refreshes the credential for (tenant, platform). At most one
// rotation per key runs at a time; a concurrent second call returns
// models.ErrRotationInFlight.
func (m *Manager) RotateToken(ctx context.Context, tenantID string, platform models.Platform) error {
	key := tenantID + "|" + string(platform)
	m.mu.Lock()
	if m.inflight[key] {
		m.mu.Unlock()
		return models.ErrRotationInFlight
	}
	m.inflight[key] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, key)
		m.mu.Unlock()
	}()

	rec, err := m.st.GetToken(tenantID, platform)
	if err != nil {
		return err
	}
	if rec.NeedsReauth {
		return fmt.Errorf("credential for %s/%s needs re-authorization", tenantID, platform)
	}
	if rec.RefreshToken == "" {
		m.flagNeedsReauth(tenantID, platform, "no refresh credential available")
		return models.ErrNoRefreshToken
	}
	if m.refresh == nil {
		return fmt.Errorf("no refresh capability configured for platform %s", platform)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	res, err := m.refresh(refreshCtx, tenantID, platform, rec.RefreshToken)
	cancel()
	if err != nil {
		return m.recordFailure(tenantID, platform, rec, err)
	}

	newRefresh := res.RefreshToken
	if newRefresh == "" {
		newRefresh = rec.RefreshToken
	}
	if err := m.st.RotateToken(rec, res.AccessToken, newRefresh, res.ExpiresAt); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// Another writer rotated first; its credentials win.
			slog.Info("Manager.RotateToken: lost rotation race", "tenantID", tenantID, "platform", platform)
			return nil
		}
		return fmt.Errorf("failed to persist rotated token: %w", err)
	}
	slog.Info("Manager.RotateToken: rotated", "tenantID", tenantID, "platform", platform, "expiresAt", res.ExpiresAt)
	return nil
}

// recordFailure persists the refresh failure, escalates severity, and
// flags needs_reauth on invalid-grant or an exhausted failure budget.
func (m *Manager) recordFailure(tenantID string, platform models.Platform, rec *models.TokenRecord, refreshErr error) error {
	invalidGrant := errors.Is(refreshErr, ErrInvalidGrant)
	failures, err := m.st.RecordRefreshFailure(tenantID, platform, refreshErr.Error(), invalidGrant)
	if err != nil {
		slog.Error("Manager.recordFailure: persist failed", "tenantID", tenantID, "platform", platform, "error", err)
		return fmt.Errorf("token refresh failed: %w", refreshErr)
	}

	needsReauth := invalidGrant || failures >= m.cfg.MaxRefreshFailures
	if needsReauth && !invalidGrant {
		// Budget exhausted without a definitive rejection; flag explicitly.
		if err := m.st.MarkTokenNeedsReauth(tenantID, platform); err != nil {
			slog.Error("Manager.recordFailure: needs_reauth flag failed", "tenantID", tenantID, "platform", platform, "error", err)
		}
	}

	if needsReauth {
		m.flagNeedsReauth(tenantID, platform, refreshErr.Error())
	} else {
		severity := models.AlertSeverityWarning
		if failures >= m.cfg.CriticalAfter {
			severity = models.AlertSeverityCritical
		}
		m.raiseAlert(models.TokenAlert{
			TenantID:  tenantID,
			Platform:  platform,
			Condition: models.AlertConditionRefreshFailed,
			Severity:  severity,
			Message:   fmt.Sprintf("token refresh failed (%d consecutive): %v", failures, refreshErr),
		})
	}

	slog.Warn("Manager.recordFailure: refresh failed", "tenantID", tenantID, "platform", platform, "failures", failures, "needsReauth", needsReauth, "error", refreshErr)
	return fmt.Errorf("token refresh failed: %w", refreshErr)
}

// flagNeedsReauth raises the critical re-authorization alert.
func (m *Manager) flagNeedsReauth(tenantID string, platform models.Platform, detail string) {
	m.raiseAlert(models.TokenAlert{
		TenantID:  tenantID,
		Platform:  platform,
		Condition: models.AlertConditionNeedsReauth,
		Severity:  models.AlertSeverityCritical,
		Message:   fmt.Sprintf("credential requires re-authorization: %s", detail),
	})
}

// raiseAlert creates the alert unless an unacknowledged one for the same
// condition exists within the cooldown window.
func (m *Manager) raiseAlert(a models.TokenAlert) {
	id, created, err := m.st.CreateAlertIfAbsent(a, m.cfg.AlertCooldown)
	if err != nil {
		slog.Error("Manager.raiseAlert: persist failed", "tenantID", a.TenantID, "platform", a.Platform, "condition", a.Condition, "error", err)
		return
	}
	if !created {
		return
	}
	a.ID = id
	if m.notifier != nil {
		m.notifier.TokenAlertRaised(a)
	}
}

// HandleAuthFailure reacts to an auth-classified send failure observed by
// the dispatcher: it attempts an immediate rotation so the suspension
// clears as soon as fresh credentials land. Best effort; the message that
// triggered it stays pending either way.
func (m *Manager) HandleAuthFailure(ctx context.Context, tenantID string, platform models.Platform) {
	if err := m.RotateToken(ctx, tenantID, platform); err != nil {
		if errors.Is(err, models.ErrRotationInFlight) {
			return
		}
		slog.Warn("Manager.HandleAuthFailure: rotation failed", "tenantID", tenantID, "platform", platform, "error", err)
	}
}

// Sweep rotates every credential expiring within the refresh lead and
// raises expiring_soon alerts for those it cannot rotate. Intended to run
// as a recurring scheduler job.
func (m *Manager) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(m.cfg.RefreshLead)
	recs, err := m.st.ListTokensExpiringBefore(cutoff)
	if err != nil {
		return fmt.Errorf("failed to list expiring tokens: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}
	slog.Debug("Manager.Sweep: rotating expiring credentials", "count", len(recs), "cutoff", cutoff)

	var firstErr error
	for i := range recs {
		rec := &recs[i]
		if err := m.RotateToken(ctx, rec.TenantID, rec.Platform); err != nil {
			if errors.Is(err, models.ErrRotationInFlight) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			m.raiseAlert(models.TokenAlert{
				TenantID:  rec.TenantID,
				Platform:  rec.Platform,
				Condition: models.AlertConditionExpiringSoon,
				Severity:  models.AlertSeverityWarning,
				Message:   fmt.Sprintf("credential expires at %s and could not be rotated", rec.ExpiresAt.Format(time.RFC3339)),
			})
		}
	}
	return firstErr
}

// GetTokenDashboard summarizes a tenant's credential health.
func (m *Manager) GetTokenDashboard(tenantID string) (*models.TokenDashboard, error) {
	recs, err := m.st.ListTokens(tenantID)
	if err != nil {
		return nil, err
	}
	alerts, err := m.st.ListPendingAlerts(tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	dash := &models.TokenDashboard{
		TenantID: tenantID,
		Tokens:   make([]models.TokenStatusEntry, 0, len(recs)),
		Alerts:   len(alerts),
	}
	for i := range recs {
		rec := &recs[i]
		dash.Tokens = append(dash.Tokens, models.TokenStatusEntry{
			Platform:      rec.Platform,
			Health:        rec.Health(now),
			ExpiresAt:     rec.ExpiresAt,
			LastRotatedAt: rec.LastRotatedAt,
		})
	}
	return dash, nil
}

// GetRotationHistory returns rotation entries newest first.
func (m *Manager) GetRotationHistory(tenantID string, platform models.Platform) ([]models.RotationEntry, error) {
	return m.st.GetRotationHistory(tenantID, platform)
}

// GetPendingAlerts returns unacknowledged alerts for a tenant (all tenants
// if empty).
func (m *Manager) GetPendingAlerts(tenantID string) ([]models.TokenAlert, error) {
	return m.st.ListPendingAlerts(tenantID)
}

// AcknowledgeAlert clears one alert.
func (m *Manager) AcknowledgeAlert(id string) error {
	return m.st.AcknowledgeAlert(id)
}

// AcknowledgeAllAlerts clears all pending alerts for a tenant, optionally
// restricted to one platform.
func (m *Manager) AcknowledgeAllAlerts(tenantID string, platform models.Platform) (int, error) {
	return m.st.AcknowledgeAllAlerts(tenantID, platform)
}
