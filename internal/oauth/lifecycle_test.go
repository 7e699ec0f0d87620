package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/tokenstore"
	"toolgate/pkg/oauth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDiscovery(t *testing.T, store tokenstore.Store, key tokenstore.Key, tokenEndpoint, revocationEndpoint string) {
	t.Helper()
	err := store.StoreOAuthDiscovery(context.Background(), key, &oauth.DiscoveryDocument{
		Issuer:                "https://auth.example.com",
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         tokenEndpoint,
		RevocationEndpoint:    revocationEndpoint,
		Method:                oauth.DiscoveryMethodDirect,
	})
	require.NoError(t, err)
}

func newLifecycle(store tokenstore.Store) *LifecycleManager {
	return NewLifecycleManager(store, NewCredentialResolver(store))
}

func TestTryRefreshWithoutRefreshTokenIsCleanFalse(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	key := testKey("gmail")

	// A token endpoint is known, but there is nothing to refresh with.
	seedDiscovery(t, store, key, "https://auth.example.com/token", "")
	require.NoError(t, store.StoreOAuthTokens(context.Background(), key, "access-only", "", time.Now().Add(time.Hour)))

	m := newLifecycle(store)
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: "https://mcp.example.com"}

	assert.False(t, m.TryRefreshToken(context.Background(), key, integ))
}

func TestTryRefreshWithoutTokenEndpointIsCleanFalse(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	key := testKey("gmail")
	require.NoError(t, store.StoreOAuthTokens(context.Background(), key, "old-access", "refresh-1", time.Now()))

	m := newLifecycle(store)
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: "https://mcp.example.com"}

	assert.False(t, m.TryRefreshToken(context.Background(), key, integ))
}

func TestTryRefreshSuccessRotatesTokens(t *testing.T) {
	var gotGrant, gotRefresh, gotClientID atomic.Value

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotGrant.Store(r.PostFormValue("grant_type"))
		gotRefresh.Store(r.PostFormValue("refresh_token"))
		gotClientID.Store(r.PostFormValue("client_id"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "refresh-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()

	store := tokenstore.NewMemoryStore()
	key := testKey("gmail")
	seedDiscovery(t, store, key, tokenSrv.URL, "")
	require.NoError(t, store.StoreOAuthTokens(context.Background(), key, "old-access", "refresh-1", time.Now()))

	clientID := "my-client"
	m := newLifecycle(store)
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: "https://mcp.example.com", ClientID: &clientID}

	require.True(t, m.TryRefreshToken(context.Background(), key, integ))

	assert.Equal(t, "refresh_token", gotGrant.Load())
	assert.Equal(t, "refresh-1", gotRefresh.Load())
	assert.Equal(t, "my-client", gotClientID.Load())

	token, err := store.GetOAuthToken(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "new-access", token.AccessToken)
	assert.Equal(t, "refresh-2", token.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.ExpiresAt, 5*time.Second)
}

func TestTryRefreshRetainsRefreshTokenWhenNotRotated(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	store := tokenstore.NewMemoryStore()
	key := testKey("gmail")
	seedDiscovery(t, store, key, tokenSrv.URL, "")
	require.NoError(t, store.StoreOAuthTokens(context.Background(), key, "old-access", "refresh-1", time.Now()))

	m := newLifecycle(store)
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: "https://mcp.example.com"}

	require.True(t, m.TryRefreshToken(context.Background(), key, integ))

	token, err := store.GetOAuthToken(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", token.RefreshToken)
}

func TestTryRefreshUsesBasicAuthWithSecret(t *testing.T) {
	var gotUser, gotPass atomic.Value

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok, "expected HTTP basic auth")
		gotUser.Store(user)
		gotPass.Store(pass)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-access",
			"token_type":   "Bearer",
		})
	}))
	defer tokenSrv.Close()

	store := tokenstore.NewMemoryStore()
	key := testKey("gmail")
	seedDiscovery(t, store, key, tokenSrv.URL, "")
	require.NoError(t, store.StoreOAuthTokens(context.Background(), key, "old", "refresh-1", time.Now()))

	clientID, clientSecret := "my-client", "s3cret"
	m := newLifecycle(store)
	integ := &config.IntegrationConfig{
		Name:         "gmail",
		ServerURL:    "https://mcp.example.com",
		ClientID:     &clientID,
		ClientSecret: &clientSecret,
	}

	require.True(t, m.TryRefreshToken(context.Background(), key, integ))
	assert.Equal(t, "my-client", gotUser.Load())
	assert.Equal(t, "s3cret", gotPass.Load())
}

func TestTryRefreshRejectedByServerIsFalse(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer tokenSrv.Close()

	store := tokenstore.NewMemoryStore()
	key := testKey("gmail")
	seedDiscovery(t, store, key, tokenSrv.URL, "")
	require.NoError(t, store.StoreOAuthTokens(context.Background(), key, "old-access", "refresh-1", time.Now()))

	m := newLifecycle(store)
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: "https://mcp.example.com"}

	assert.False(t, m.TryRefreshToken(context.Background(), key, integ))

	// The stale token is untouched; the caller decides what happens next.
	token, err := store.GetOAuthToken(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "old-access", token.AccessToken)
}

func TestRevokeTokensSendsBothHints(t *testing.T) {
	var hints []string
	revokeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		hints = append(hints, r.PostFormValue("token_type_hint"))
		w.WriteHeader(http.StatusOK)
	}))
	defer revokeSrv.Close()

	store := tokenstore.NewMemoryStore()
	key := testKey("gmail")
	seedDiscovery(t, store, key, "https://auth.example.com/token", revokeSrv.URL)
	require.NoError(t, store.StoreOAuthTokens(context.Background(), key, "access-1", "refresh-1", time.Now().Add(time.Hour)))

	m := newLifecycle(store)
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: "https://mcp.example.com"}

	require.NoError(t, m.RevokeTokens(context.Background(), key, integ))
	assert.Equal(t, []string{"refresh_token", "access_token"}, hints)

	token, err := store.GetOAuthToken(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestRevokeTokensAttemptsBothEvenWhenFirstFails(t *testing.T) {
	var hints []string
	revokeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		hint := r.PostFormValue("token_type_hint")
		hints = append(hints, hint)
		if hint == "refresh_token" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer revokeSrv.Close()

	store := tokenstore.NewMemoryStore()
	key := testKey("gmail")
	seedDiscovery(t, store, key, "https://auth.example.com/token", revokeSrv.URL)
	require.NoError(t, store.StoreOAuthTokens(context.Background(), key, "access-1", "refresh-1", time.Now().Add(time.Hour)))

	m := newLifecycle(store)
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: "https://mcp.example.com"}

	// Best-effort: the server-side failure is logged, local state still clears.
	require.NoError(t, m.RevokeTokens(context.Background(), key, integ))
	assert.Equal(t, []string{"refresh_token", "access_token"}, hints)

	token, err := store.GetOAuthToken(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestRevokeTokensWithoutEndpointClearsLocally(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	key := testKey("gmail")
	require.NoError(t, store.StoreOAuthTokens(context.Background(), key, "access-1", "refresh-1", time.Now().Add(time.Hour)))

	m := newLifecycle(store)
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: "https://mcp.example.com"}

	require.NoError(t, m.RevokeTokens(context.Background(), key, integ))

	token, err := store.GetOAuthToken(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestRevokeTokensWithoutStoredTokensIsNoOp(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	m := newLifecycle(store)
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: "https://mcp.example.com"}

	assert.NoError(t, m.RevokeTokens(context.Background(), testKey("gmail"), integ))
}
