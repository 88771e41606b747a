package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/castrelay/castrelay/internal/config"
)

// Credentials is the authenticated identity handed to a publish adapter.
type Credentials struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Expiring reports whether the token needs a refresh before use.
func (c *Credentials) Expiring(within time.Duration) bool {
	return c.ExpiresAt != nil && time.Until(*c.ExpiresAt) < within
}

// TokenResolver resolves platform credentials for a content owner,
// refreshing them proactively before every publish attempt.
type TokenResolver interface {
	Resolve(ctx context.Context, userID uint, platform string) (*Credentials, error)
}

// TokenService reads per-user credential documents from the store and
// refreshes expiring OAuth tokens against the platform token endpoint.
type TokenService struct {
	store     UserStore
	platforms *config.PlatformsConfig
	client    *http.Client
	logger    *zap.Logger
}

func NewTokenService(store UserStore, platforms *config.PlatformsConfig, logger *zap.Logger) *TokenService {
	return &TokenService{
		store:     store,
		platforms: platforms,
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
	}
}

func (t *TokenService) Resolve(ctx context.Context, userID uint, platform string) (*Credentials, error) {
	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", userID, err)
	}

	doc := user.CredentialsFor(platform)
	if doc == "" {
		return nil, fmt.Errorf("user %d has no %s credentials", userID, platform)
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(doc), &creds); err != nil {
		return nil, fmt.Errorf("invalid %s credentials for user %d: %w", platform, userID, err)
	}

	cfg := t.platformConfig(platform)
	if creds.Expiring(time.Minute) && creds.RefreshToken != "" && cfg != nil && cfg.TokenURL != "" {
		refreshed, err := t.refresh(ctx, cfg, &creds)
		if err != nil {
			// A refresh failure is not terminal here: the publish attempt
			// may still succeed, and the worker retries on auth errors.
			t.logger.Warn("Token refresh failed",
				zap.Uint("user_id", userID),
				zap.String("platform", platform),
				zap.Error(err))
			return &creds, nil
		}
		creds = *refreshed

		if data, err := json.Marshal(&creds); err == nil {
			user.SetCredentialsFor(platform, string(data))
			if err := t.store.SaveUser(ctx, user); err != nil {
				t.logger.Warn("Failed to persist refreshed token",
					zap.Uint("user_id", userID),
					zap.String("platform", platform),
					zap.Error(err))
			}
		}
	}

	return &creds, nil
}

func (t *TokenService) refresh(ctx context.Context, cfg *config.PlatformConfig, creds *Credentials) (*Credentials, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, "POST", cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	refreshed := &Credentials{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = creds.RefreshToken
	}
	if payload.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
		refreshed.ExpiresAt = &exp
	}

	return refreshed, nil
}

func (t *TokenService) platformConfig(platform string) *config.PlatformConfig {
	switch platform {
	case "twitter":
		return &t.platforms.Microblog
	case "twitch":
		return &t.platforms.Livestream
	case "youtube":
		return &t.platforms.Video
	case "instagram":
		return &t.platforms.ImageFeed
	}
	return nil
}
