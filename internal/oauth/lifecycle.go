package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/tokenstore"
	"toolgate/pkg/logging"

	"golang.org/x/sync/singleflight"
)

// LifecycleManager refreshes and revokes stored OAuth tokens. It never
// initiates a new authorization flow; when refresh is impossible it reports
// that cleanly so the caller can surface a re-authentication requirement.
type LifecycleManager struct {
	httpClient *http.Client
	store      tokenstore.Store
	resolver   *CredentialResolver

	// group serializes concurrent refreshes per key. The losers of the race
	// reuse the winner's outcome instead of burning the (possibly
	// single-use) refresh token a second time.
	group singleflight.Group
}

// NewLifecycleManager creates a lifecycle manager over the given store.
func NewLifecycleManager(store tokenstore.Store, resolver *CredentialResolver, opts ...LifecycleOption) *LifecycleManager {
	m := &LifecycleManager{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		store:      store,
		resolver:   resolver,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// LifecycleOption configures the lifecycle manager.
type LifecycleOption func(*LifecycleManager)

// WithLifecycleHTTPClient sets a custom HTTP client.
func WithLifecycleHTTPClient(httpClient *http.Client) LifecycleOption {
	return func(m *LifecycleManager) {
		m.httpClient = httpClient
	}
}

// tokenResponse is the RFC 6749 token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// TryRefreshToken attempts a refresh-token grant for the key and reports
// whether it produced a usable access token. Missing refresh token or
// missing token endpoint return false without any network traffic; they are
// expected states, not errors.
func (m *LifecycleManager) TryRefreshToken(ctx context.Context, key tokenstore.Key, integ *config.IntegrationConfig) bool {
	ok, _, _ := m.group.Do("refresh:"+key.String(), func() (interface{}, error) {
		return m.doRefresh(ctx, key, integ), nil
	})
	return ok.(bool)
}

func (m *LifecycleManager) doRefresh(ctx context.Context, key tokenstore.Key, integ *config.IntegrationConfig) bool {
	refreshToken, err := m.store.GetRefreshToken(ctx, key)
	if err != nil {
		logging.Warn("TokenLifecycle", "Failed to read refresh token for %s: %v", key, err)
		return false
	}
	if refreshToken == "" {
		logging.Debug("TokenLifecycle", "No refresh token for %s, re-authentication required", key)
		return false
	}

	tokenEndpoint := m.tokenEndpoint(ctx, key, integ)
	if tokenEndpoint == "" {
		logging.Debug("TokenLifecycle", "No token endpoint known for %s, cannot refresh", key)
		return false
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if integ.Scope != "" {
		form.Set("scope", integ.Scope)
	}

	// Some servers accept refresh grants without client authentication, so a
	// missing client credential is not fatal.
	creds, err := m.resolver.Resolve(ctx, key, integ)
	if err != nil {
		if !errors.Is(err, ErrNoCredentials) {
			logging.Warn("TokenLifecycle", "Credential resolution for %s failed: %v", key, err)
			return false
		}
		logging.Debug("TokenLifecycle", "Refreshing %s without client authentication", key)
	} else if creds.ClientSecret == "" {
		form.Set("client_id", creds.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		logging.Warn("TokenLifecycle", "Failed to build refresh request for %s: %v", key, err)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if creds != nil && creds.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(creds.ClientID), url.QueryEscape(creds.ClientSecret))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		logging.Warn("TokenLifecycle", "Token refresh request for %s failed: %v", key, err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		logging.Warn("TokenLifecycle", "Failed to read refresh response for %s: %v", key, err)
		return false
	}

	if resp.StatusCode != http.StatusOK {
		logging.Info("TokenLifecycle", "Token refresh for %s rejected with status %d", key, resp.StatusCode)
		return false
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		logging.Warn("TokenLifecycle", "Failed to parse refresh response for %s: %v", key, err)
		return false
	}
	if tr.AccessToken == "" {
		logging.Warn("TokenLifecycle", "Refresh response for %s contains no access token", key)
		return false
	}

	var expiresAt time.Time
	if tr.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	// An empty refresh_token in the response means the server did not rotate
	// it; the store retains the previous one.
	if err := m.store.StoreOAuthTokens(ctx, key, tr.AccessToken, tr.RefreshToken, expiresAt); err != nil {
		logging.Warn("TokenLifecycle", "Failed to persist refreshed tokens for %s: %v", key, err)
		return false
	}

	logging.Info("TokenLifecycle", "Refreshed tokens for %s (rotated_refresh=%t)", key, tr.RefreshToken != "")
	return true
}

// RevokeTokens performs best-effort RFC 7009 revocation of the stored
// refresh and access tokens, then clears local storage regardless of the
// outcome. No revocation endpoint is a clean no-op for the network part.
func (m *LifecycleManager) RevokeTokens(ctx context.Context, key tokenstore.Key, integ *config.IntegrationConfig) error {
	token, err := m.store.GetOAuthToken(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read tokens for %s: %w", key, err)
	}
	if token == nil {
		return nil
	}

	endpoint := m.revocationEndpoint(ctx, key, integ)
	if endpoint != "" {
		// Revoking the refresh token first invalidates the whole grant on
		// well-behaved servers; the access token revocation is belt and
		// braces. Both are attempted independently.
		var revokeErrs []error
		if token.RefreshToken != "" {
			if err := m.revokeOne(ctx, endpoint, key, integ, token.RefreshToken, "refresh_token"); err != nil {
				revokeErrs = append(revokeErrs, err)
			}
		}
		if token.AccessToken != "" {
			if err := m.revokeOne(ctx, endpoint, key, integ, token.AccessToken, "access_token"); err != nil {
				revokeErrs = append(revokeErrs, err)
			}
		}
		if err := errors.Join(revokeErrs...); err != nil {
			logging.Warn("TokenLifecycle", "Token revocation for %s partially failed: %v", key, err)
		}
	} else {
		logging.Debug("TokenLifecycle", "No revocation endpoint for %s, clearing local tokens only", key)
	}

	if err := m.store.ClearOAuthTokens(ctx, key); err != nil {
		return fmt.Errorf("failed to clear tokens for %s: %w", key, err)
	}

	logging.Info("TokenLifecycle", "Revoked and cleared tokens for %s", key)
	return nil
}

func (m *LifecycleManager) revokeOne(ctx context.Context, endpoint string, key tokenstore.Key, integ *config.IntegrationConfig, token, hint string) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", hint)

	creds, err := m.resolver.Resolve(ctx, key, integ)
	if err != nil && !errors.Is(err, ErrNoCredentials) {
		return err
	}
	if creds != nil && creds.ClientSecret == "" {
		form.Set("client_id", creds.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if creds != nil && creds.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(creds.ClientID), url.QueryEscape(creds.ClientSecret))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request for %s failed: %w", hint, err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	// RFC 7009: 200 even for unknown tokens. Anything else is a server-side
	// refusal worth reporting, though the caller treats it as best-effort.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation of %s rejected with status %d", hint, resp.StatusCode)
	}

	logging.Debug("TokenLifecycle", "Revoked %s for %s", hint, key)
	return nil
}

// tokenEndpoint returns the token endpoint for a key without triggering
// discovery: pre-configured metadata first, then the cached document.
func (m *LifecycleManager) tokenEndpoint(ctx context.Context, key tokenstore.Key, integ *config.IntegrationConfig) string {
	if integ != nil && integ.OAuthMetadata != nil && integ.OAuthMetadata.TokenEndpoint != "" {
		return integ.OAuthMetadata.TokenEndpoint
	}

	doc, err := m.store.GetOAuthDiscovery(ctx, key)
	if err != nil || doc == nil {
		return ""
	}
	return doc.TokenEndpoint
}

func (m *LifecycleManager) revocationEndpoint(ctx context.Context, key tokenstore.Key, integ *config.IntegrationConfig) string {
	if integ != nil && integ.OAuthMetadata != nil && integ.OAuthMetadata.RevocationEndpoint != "" {
		return integ.OAuthMetadata.RevocationEndpoint
	}

	doc, err := m.store.GetOAuthDiscovery(ctx, key)
	if err != nil || doc == nil {
		return ""
	}
	return doc.RevocationEndpoint
}
