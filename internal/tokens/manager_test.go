package tokens

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "tokens_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T, refresh RefreshFunc) (*Manager, *store.SQLiteStore) {
	t.Helper()
	st := newTestStore(t)
	cfg := DefaultConfig()
	cfg.RefreshTimeout = time.Second
	return NewManager(st, nil, refresh, cfg), st
}

func seedToken(t *testing.T, st *store.SQLiteStore, tenantID string, p models.Platform, expiresAt time.Time) {
	t.Helper()
	if err := st.SaveToken(tenantID, p, "access-old", "refresh-old", expiresAt); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
}

func TestRotateTokenPersistsAndRecordsHistory(t *testing.T) {
	newExpiry := time.Now().Add(4 * time.Hour).Truncate(time.Second)
	m, st := newTestManager(t, func(ctx context.Context, tenantID string, p models.Platform, refreshToken string) (RefreshResult, error) {
		if refreshToken != "refresh-old" {
			return RefreshResult{}, fmt.Errorf("unexpected refresh token %q", refreshToken)
		}
		return RefreshResult{AccessToken: "access-new", RefreshToken: "refresh-new", ExpiresAt: newExpiry}, nil
	})
	seedToken(t, st, "tenant1", models.PlatformTwitch, time.Now().Add(10*time.Minute))

	if err := m.RotateToken(context.Background(), "tenant1", models.PlatformTwitch); err != nil {
		t.Fatalf("RotateToken failed: %v", err)
	}

	rec, err := st.GetToken("tenant1", models.PlatformTwitch)
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if rec.AccessToken != "access-new" || rec.RefreshToken != "refresh-new" {
		t.Errorf("credentials = %s/%s, want access-new/refresh-new", rec.AccessToken, rec.RefreshToken)
	}
	if !rec.ExpiresAt.Equal(newExpiry) {
		t.Errorf("expires_at = %v, want %v", rec.ExpiresAt, newExpiry)
	}
	if rec.LastRotatedAt == nil {
		t.Error("last_rotated_at not set")
	}
	if rec.RefreshFailures != 0 {
		t.Errorf("refresh_failures = %d, want 0", rec.RefreshFailures)
	}

	history, err := st.GetRotationHistory("tenant1", models.PlatformTwitch)
	if err != nil {
		t.Fatalf("GetRotationHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != models.RotationOutcomeRotated {
		t.Errorf("history = %+v, want one rotated entry", history)
	}
}

func TestRotateTokenKeepsRefreshWhenNotReissued(t *testing.T) {
	m, st := newTestManager(t, func(ctx context.Context, tenantID string, p models.Platform, refreshToken string) (RefreshResult, error) {
		return RefreshResult{AccessToken: "access-new", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	seedToken(t, st, "tenant1", models.PlatformKick, time.Now().Add(10*time.Minute))

	if err := m.RotateToken(context.Background(), "tenant1", models.PlatformKick); err != nil {
		t.Fatalf("RotateToken failed: %v", err)
	}
	rec, err := st.GetToken("tenant1", models.PlatformKick)
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if rec.RefreshToken != "refresh-old" {
		t.Errorf("refresh token = %q, want previous one retained", rec.RefreshToken)
	}
}

func TestRotateTokenSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	m, st := newTestManager(t, func(ctx context.Context, tenantID string, p models.Platform, refreshToken string) (RefreshResult, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return RefreshResult{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	seedToken(t, st, "tenant1", models.PlatformTwitch, time.Now().Add(10*time.Minute))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.RotateToken(context.Background(), "tenant1", models.PlatformTwitch); err != nil {
			t.Errorf("first RotateToken failed: %v", err)
		}
	}()

	<-started
	if err := m.RotateToken(context.Background(), "tenant1", models.PlatformTwitch); !errors.Is(err, models.ErrRotationInFlight) {
		t.Errorf("concurrent RotateToken error = %v, want ErrRotationInFlight", err)
	}
	close(release)
	wg.Wait()

	// The key is released once the rotation settles.
	if err := m.RotateToken(context.Background(), "tenant1", models.PlatformTwitch); err != nil {
		t.Errorf("RotateToken after release failed: %v", err)
	}
}

func TestInvalidGrantFlagsNeedsReauth(t *testing.T) {
	m, st := newTestManager(t, func(ctx context.Context, tenantID string, p models.Platform, refreshToken string) (RefreshResult, error) {
		return RefreshResult{}, fmt.Errorf("%w: revoked by user", ErrInvalidGrant)
	})
	seedToken(t, st, "tenant1", models.PlatformSpotify, time.Now().Add(10*time.Minute))

	if err := m.RotateToken(context.Background(), "tenant1", models.PlatformSpotify); err == nil {
		t.Fatal("RotateToken succeeded with invalid grant")
	}

	rec, err := st.GetToken("tenant1", models.PlatformSpotify)
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if !rec.NeedsReauth {
		t.Error("needs_reauth not set after invalid grant")
	}

	alerts, err := st.ListPendingAlerts("tenant1")
	if err != nil {
		t.Fatalf("ListPendingAlerts failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("pending alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Condition != models.AlertConditionNeedsReauth || alerts[0].Severity != models.AlertSeverityCritical {
		t.Errorf("alert = %s/%s, want needs_reauth/critical", alerts[0].Condition, alerts[0].Severity)
	}

	// A flagged credential gates dispatch and refuses further rotation.
	if m.IsUsable("tenant1", models.PlatformSpotify) {
		t.Error("IsUsable = true for needs_reauth credential")
	}
	if err := m.RotateToken(context.Background(), "tenant1", models.PlatformSpotify); err == nil {
		t.Error("RotateToken succeeded on needs_reauth credential")
	}
}

func TestRefreshFailureEscalation(t *testing.T) {
	m, st := newTestManager(t, func(ctx context.Context, tenantID string, p models.Platform, refreshToken string) (RefreshResult, error) {
		return RefreshResult{}, errors.New("upstream 500")
	})
	seedToken(t, st, "tenant1", models.PlatformTwitch, time.Now().Add(10*time.Minute))

	// First failure: warning, still usable.
	if err := m.RotateToken(context.Background(), "tenant1", models.PlatformTwitch); err == nil {
		t.Fatal("RotateToken succeeded unexpectedly")
	}
	alerts, err := st.ListPendingAlerts("tenant1")
	if err != nil {
		t.Fatalf("ListPendingAlerts failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Severity != models.AlertSeverityWarning {
		t.Fatalf("alerts after 1 failure = %+v, want one warning", alerts)
	}
	if !m.IsUsable("tenant1", models.PlatformTwitch) {
		t.Error("credential unusable after a single transient refresh failure")
	}

	// Second failure reaches the critical threshold; the refresh_failed
	// alert within the cooldown is deduped, not duplicated.
	if err := m.RotateToken(context.Background(), "tenant1", models.PlatformTwitch); err == nil {
		t.Fatal("RotateToken succeeded unexpectedly")
	}
	alerts, err = st.ListPendingAlerts("tenant1")
	if err != nil {
		t.Fatalf("ListPendingAlerts failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts after 2 failures = %d, want dedup to 1", len(alerts))
	}

	// Third failure exhausts the budget: needs_reauth plus its critical alert.
	if err := m.RotateToken(context.Background(), "tenant1", models.PlatformTwitch); err == nil {
		t.Fatal("RotateToken succeeded unexpectedly")
	}
	rec, err := st.GetToken("tenant1", models.PlatformTwitch)
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if !rec.NeedsReauth {
		t.Error("needs_reauth not set after budget exhaustion")
	}
	// Flagging the exhausted budget must not inflate the counter or the
	// history: three refresh attempts, three failed entries.
	if rec.RefreshFailures != 3 {
		t.Errorf("refresh_failures = %d, want 3", rec.RefreshFailures)
	}
	history, err := st.GetRotationHistory("tenant1", models.PlatformTwitch)
	if err != nil {
		t.Fatalf("GetRotationHistory failed: %v", err)
	}
	failed := 0
	for _, e := range history {
		if e.Outcome == models.RotationOutcomeFailed {
			failed++
		}
	}
	if failed != 3 {
		t.Errorf("failed history entries = %d, want 3", failed)
	}
	alerts, err = st.ListPendingAlerts("tenant1")
	if err != nil {
		t.Fatalf("ListPendingAlerts failed: %v", err)
	}
	conditions := make(map[string]bool)
	for _, a := range alerts {
		conditions[a.Condition] = true
	}
	if !conditions[models.AlertConditionNeedsReauth] {
		t.Errorf("alerts = %+v, want a needs_reauth alert", alerts)
	}
}

func TestSweepRotatesExpiringTokens(t *testing.T) {
	var rotated atomic.Int32
	m, st := newTestManager(t, func(ctx context.Context, tenantID string, p models.Platform, refreshToken string) (RefreshResult, error) {
		rotated.Add(1)
		return RefreshResult{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(4 * time.Hour)}, nil
	})

	seedToken(t, st, "tenant1", models.PlatformTwitch, time.Now().Add(10*time.Minute))
	seedToken(t, st, "tenant1", models.PlatformKick, time.Now().Add(30*time.Minute))
	seedToken(t, st, "tenant2", models.PlatformTwitch, time.Now().Add(48*time.Hour))

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if got := rotated.Load(); got != 2 {
		t.Errorf("rotated %d tokens, want 2 inside the refresh lead", got)
	}

	// The far-future token is untouched.
	rec, err := st.GetToken("tenant2", models.PlatformTwitch)
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if rec.AccessToken != "access-old" {
		t.Error("token outside the refresh lead was rotated")
	}
}

func TestSweepAlertsOnRotationFailure(t *testing.T) {
	m, st := newTestManager(t, func(ctx context.Context, tenantID string, p models.Platform, refreshToken string) (RefreshResult, error) {
		return RefreshResult{}, errors.New("upstream down")
	})
	seedToken(t, st, "tenant1", models.PlatformTwitch, time.Now().Add(10*time.Minute))

	if err := m.Sweep(context.Background()); err == nil {
		t.Fatal("Sweep reported success despite rotation failure")
	}

	alerts, err := st.ListPendingAlerts("tenant1")
	if err != nil {
		t.Fatalf("ListPendingAlerts failed: %v", err)
	}
	conditions := make(map[string]bool)
	for _, a := range alerts {
		conditions[a.Condition] = true
	}
	if !conditions[models.AlertConditionExpiringSoon] {
		t.Errorf("alerts = %+v, want an expiring_soon alert", alerts)
	}
}

func TestIsUsable(t *testing.T) {
	m, st := newTestManager(t, nil)

	// No record at all: dispatch proceeds.
	if !m.IsUsable("tenant1", models.PlatformDiscord) {
		t.Error("IsUsable = false for absent record")
	}

	seedToken(t, st, "tenant1", models.PlatformTwitch, time.Now().Add(48*time.Hour))
	if !m.IsUsable("tenant1", models.PlatformTwitch) {
		t.Error("IsUsable = false for healthy credential")
	}

	seedToken(t, st, "tenant1", models.PlatformKick, time.Now().Add(time.Hour))
	if !m.IsUsable("tenant1", models.PlatformKick) {
		t.Error("IsUsable = false for expiring_soon credential")
	}

	seedToken(t, st, "tenant1", models.PlatformSpotify, time.Now().Add(-time.Minute))
	if m.IsUsable("tenant1", models.PlatformSpotify) {
		t.Error("IsUsable = true for expired credential")
	}
}

func TestCheckTokenExpiryRotatesInsideLead(t *testing.T) {
	m, st := newTestManager(t, func(ctx context.Context, tenantID string, p models.Platform, refreshToken string) (RefreshResult, error) {
		return RefreshResult{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(48 * time.Hour)}, nil
	})
	seedToken(t, st, "tenant1", models.PlatformTwitch, time.Now().Add(10*time.Minute))

	health, err := m.CheckTokenExpiry(context.Background(), "tenant1", models.PlatformTwitch)
	if err != nil {
		t.Fatalf("CheckTokenExpiry failed: %v", err)
	}
	if health != models.TokenHealthy {
		t.Errorf("health = %s, want healthy after rotation", health)
	}

	rec, err := st.GetToken("tenant1", models.PlatformTwitch)
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if rec.AccessToken != "a" {
		t.Error("credential not rotated inside the refresh lead")
	}
}

func TestStoreTokenClearsReauth(t *testing.T) {
	m, st := newTestManager(t, func(ctx context.Context, tenantID string, p models.Platform, refreshToken string) (RefreshResult, error) {
		return RefreshResult{}, fmt.Errorf("%w: revoked", ErrInvalidGrant)
	})
	seedToken(t, st, "tenant1", models.PlatformTwitch, time.Now().Add(10*time.Minute))

	if err := m.RotateToken(context.Background(), "tenant1", models.PlatformTwitch); err == nil {
		t.Fatal("RotateToken succeeded with invalid grant")
	}
	if m.IsUsable("tenant1", models.PlatformTwitch) {
		t.Fatal("credential still usable after invalid grant")
	}

	// A new authorization grant restores the credential.
	if err := m.StoreToken("tenant1", models.PlatformTwitch, "access-2", "refresh-2", time.Now().Add(48*time.Hour)); err != nil {
		t.Fatalf("StoreToken failed: %v", err)
	}
	if !m.IsUsable("tenant1", models.PlatformTwitch) {
		t.Error("credential unusable after re-authorization")
	}
	health, err := m.GetTokenHealthStatus("tenant1", models.PlatformTwitch)
	if err != nil {
		t.Fatalf("GetTokenHealthStatus failed: %v", err)
	}
	if health != models.TokenHealthy {
		t.Errorf("health = %s, want healthy", health)
	}
}

func TestMissingRefreshTokenFlagsReauth(t *testing.T) {
	m, st := newTestManager(t, nil)
	if err := st.SaveToken("tenant1", models.PlatformDiscord, "access-only", "", time.Now().Add(10*time.Minute)); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	if err := m.RotateToken(context.Background(), "tenant1", models.PlatformDiscord); !errors.Is(err, models.ErrNoRefreshToken) {
		t.Errorf("RotateToken error = %v, want ErrNoRefreshToken", err)
	}
	alerts, err := st.ListPendingAlerts("tenant1")
	if err != nil {
		t.Fatalf("ListPendingAlerts failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Condition != models.AlertConditionNeedsReauth {
		t.Errorf("alerts = %+v, want one needs_reauth alert", alerts)
	}
}
