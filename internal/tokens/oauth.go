package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
)

// OAuthConfig holds the client credentials and token endpoint for one
// platform's refresh grant.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// OAuthRefresher implements the standard refresh_token grant against each
// configured platform's token endpoint. Its Refresh method satisfies
// RefreshFunc.
type OAuthRefresher struct {
	endpoints map[models.Platform]OAuthConfig
	client    *http.Client
}

// NewOAuthRefresher creates a refresher for the configured platforms.
func NewOAuthRefresher(endpoints map[models.Platform]OAuthConfig) *OAuthRefresher {
	return &OAuthRefresher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 20 * time.Second},
	}
}

// tokenResponse is the standard OAuth token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

// Refresh exchanges the refresh credential for fresh tokens.
func (r *OAuthRefresher) Refresh(ctx context.Context, tenantID string, platform models.Platform, refreshToken string) (RefreshResult, error) {
	cfg, ok := r.endpoints[platform]
	if !ok {
		return RefreshResult{}, fmt.Errorf("no oauth endpoint configured for platform %s", platform)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshResult{}, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return RefreshResult{}, fmt.Errorf("failed to decode refresh response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		// invalid_grant means a revoked or consumed refresh credential;
		// retrying can never succeed.
		if body.Error == "invalid_grant" || resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return RefreshResult{}, fmt.Errorf("%w: %s (status %d)", ErrInvalidGrant, body.Error, resp.StatusCode)
		}
		return RefreshResult{}, fmt.Errorf("refresh rejected with status %d: %s", resp.StatusCode, body.Error)
	}
	if body.AccessToken == "" {
		return RefreshResult{}, fmt.Errorf("refresh response missing access token")
	}

	return RefreshResult{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
