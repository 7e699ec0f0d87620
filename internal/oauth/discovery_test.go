package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"toolgate/internal/config"
	"toolgate/internal/tokenstore"
	"toolgate/pkg/oauth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(integration string) tokenstore.Key {
	return tokenstore.Key{UserID: "alice", Integration: integration}
}

// authServer serves RFC 8414 metadata at the OAuth well-known path.
func authServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var hits atomic.Int64
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		json.NewEncoder(w).Encode(oauth.Metadata{
			Issuer:                srv.URL,
			AuthorizationEndpoint: srv.URL + "/authorize",
			TokenEndpoint:         srv.URL + "/token",
			RevocationEndpoint:    srv.URL + "/revoke",
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDiscoverViaProtectedResourceMetadata(t *testing.T) {
	auth, _ := authServer(t)

	var mcpSrv *httptest.Server
	mcpSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-protected-resource":
			json.NewEncoder(w).Encode(oauth.ProtectedResourceMetadata{
				Resource:             mcpSrv.URL,
				AuthorizationServers: []string{auth.URL},
				ScopesSupported:      []string{"tools:read"},
			})
		default:
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Bearer resource_metadata="%s/.well-known/oauth-protected-resource"`, mcpSrv.URL))
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer mcpSrv.Close()

	store := tokenstore.NewMemoryStore()
	engine := NewEngine(store)
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: mcpSrv.URL, RequiresAuth: true}

	doc, err := engine.Discover(context.Background(), testKey("gmail"), integ, nil)
	require.NoError(t, err)

	assert.Equal(t, oauth.DiscoveryMethodPRM, doc.Method)
	assert.Equal(t, auth.URL, doc.Issuer)
	assert.Equal(t, auth.URL+"/token", doc.TokenEndpoint)
	assert.Equal(t, auth.URL+"/revoke", doc.RevocationEndpoint)
	assert.Equal(t, mcpSrv.URL, doc.Resource)
	assert.Equal(t, []string{"tools:read"}, doc.ScopesSupported)

	cached, err := store.GetOAuthDiscovery(context.Background(), testKey("gmail"))
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, doc.TokenEndpoint, cached.TokenEndpoint)
}

func TestDiscoverFallsBackToDirectMetadata(t *testing.T) {
	var mcpSrv *httptest.Server
	mcpSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-protected-resource":
			// Resource metadata exists but lists no authorization servers.
			json.NewEncoder(w).Encode(oauth.ProtectedResourceMetadata{Resource: mcpSrv.URL})
		case "/.well-known/oauth-authorization-server":
			json.NewEncoder(w).Encode(oauth.Metadata{
				Issuer:                mcpSrv.URL,
				AuthorizationEndpoint: mcpSrv.URL + "/authorize",
				TokenEndpoint:         mcpSrv.URL + "/token",
			})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer mcpSrv.Close()

	engine := NewEngine(tokenstore.NewMemoryStore())
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: mcpSrv.URL, RequiresAuth: true}

	doc, err := engine.Discover(context.Background(), testKey("gmail"), integ, nil)
	require.NoError(t, err)
	assert.Equal(t, oauth.DiscoveryMethodDirect, doc.Method)
	assert.Equal(t, mcpSrv.URL+"/token", doc.TokenEndpoint)
}

func TestDiscoverOIDCFallback(t *testing.T) {
	var mcpSrv *httptest.Server
	mcpSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			json.NewEncoder(w).Encode(oauth.Metadata{
				Issuer:                mcpSrv.URL,
				AuthorizationEndpoint: mcpSrv.URL + "/authorize",
				TokenEndpoint:         mcpSrv.URL + "/token",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer mcpSrv.Close()

	engine := NewEngine(tokenstore.NewMemoryStore())
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: mcpSrv.URL, RequiresAuth: true}

	doc, err := engine.Discover(context.Background(), testKey("gmail"), integ, nil)
	require.NoError(t, err)
	assert.Equal(t, mcpSrv.URL+"/token", doc.TokenEndpoint)
}

func TestDiscoverReportsBothFailures(t *testing.T) {
	mcpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer mcpSrv.Close()

	engine := NewEngine(tokenstore.NewMemoryStore())
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: mcpSrv.URL, RequiresAuth: true}

	_, err := engine.Discover(context.Background(), testKey("gmail"), integ, nil)
	require.Error(t, err)

	var discErr *DiscoveryError
	require.ErrorAs(t, err, &discErr)
	assert.Equal(t, mcpSrv.URL, discErr.ServerURL)
	assert.Error(t, discErr.PRMErr)
	assert.Error(t, discErr.DirectErr)
	assert.Contains(t, err.Error(), "resource metadata")
	assert.Contains(t, err.Error(), "direct metadata")
}

func TestDiscoverUsesCacheOnSecondCall(t *testing.T) {
	auth, authHits := authServer(t)

	var prmHits atomic.Int64
	var mcpSrv *httptest.Server
	mcpSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/oauth-protected-resource" {
			prmHits.Add(1)
			json.NewEncoder(w).Encode(oauth.ProtectedResourceMetadata{
				Resource:             mcpSrv.URL,
				AuthorizationServers: []string{auth.URL},
			})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer mcpSrv.Close()

	engine := NewEngine(tokenstore.NewMemoryStore())
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: mcpSrv.URL, RequiresAuth: true}

	first, err := engine.Discover(context.Background(), testKey("gmail"), integ, nil)
	require.NoError(t, err)

	prmBefore := prmHits.Load()
	authBefore := authHits.Load()

	second, err := engine.Discover(context.Background(), testKey("gmail"), integ, nil)
	require.NoError(t, err)

	assert.Equal(t, first.TokenEndpoint, second.TokenEndpoint)
	assert.Equal(t, prmBefore, prmHits.Load(), "cached discovery must not refetch resource metadata")
	assert.Equal(t, authBefore, authHits.Load(), "cached discovery must not refetch server metadata")
}

func TestDiscoverHonorsPreferredAuthServer(t *testing.T) {
	preferred, _ := authServer(t)
	other, otherHits := authServer(t)

	var mcpSrv *httptest.Server
	mcpSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/oauth-protected-resource" {
			json.NewEncoder(w).Encode(oauth.ProtectedResourceMetadata{
				Resource:             mcpSrv.URL,
				AuthorizationServers: []string{other.URL, preferred.URL},
			})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer mcpSrv.Close()

	engine := NewEngine(tokenstore.NewMemoryStore())
	integ := &config.IntegrationConfig{
		Name:                "gmail",
		ServerURL:           mcpSrv.URL,
		RequiresAuth:        true,
		PreferredAuthServer: preferred.URL,
	}

	doc, err := engine.Discover(context.Background(), testKey("gmail"), integ, nil)
	require.NoError(t, err)
	assert.Equal(t, preferred.URL, doc.Issuer)
	assert.Equal(t, int64(0), otherHits.Load())
}

func TestDiscoverSkipsNetworkWithPreKnownMetadata(t *testing.T) {
	engine := NewEngine(tokenstore.NewMemoryStore())
	integ := &config.IntegrationConfig{
		Name:         "gmail",
		ServerURL:    "https://mcp.example.com/mcp",
		RequiresAuth: true,
		OAuthMetadata: &oauth.Metadata{
			Issuer:                "https://auth.example.com",
			AuthorizationEndpoint: "https://auth.example.com/authorize",
			TokenEndpoint:         "https://auth.example.com/token",
		},
	}

	doc, err := engine.Discover(context.Background(), testKey("gmail"), integ, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/token", doc.TokenEndpoint)
	assert.Equal(t, "https://mcp.example.com", doc.Resource)
}

func TestInvalidateForcesRediscovery(t *testing.T) {
	auth, _ := authServer(t)

	var prmHits atomic.Int64
	var mcpSrv *httptest.Server
	mcpSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/oauth-protected-resource" {
			prmHits.Add(1)
			json.NewEncoder(w).Encode(oauth.ProtectedResourceMetadata{
				Resource:             mcpSrv.URL,
				AuthorizationServers: []string{auth.URL},
			})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer mcpSrv.Close()

	engine := NewEngine(tokenstore.NewMemoryStore())
	integ := &config.IntegrationConfig{Name: "gmail", ServerURL: mcpSrv.URL, RequiresAuth: true}
	key := testKey("gmail")

	_, err := engine.Discover(context.Background(), key, integ, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Invalidate(context.Background(), key))

	_, err = engine.Discover(context.Background(), key, integ, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), prmHits.Load())
}

func TestProbeConnection(t *testing.T) {
	t.Run("server requiring auth", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="https://auth.example.com", scope="tools"`)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		result, err := NewEngine(tokenstore.NewMemoryStore()).ProbeConnection(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.True(t, result.RequiresAuth)
		require.NotNil(t, result.Challenge)
		assert.Equal(t, "https://auth.example.com", result.Challenge.Realm)
		assert.Equal(t, "tools", result.Challenge.Scope)
	})

	t.Run("open server", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		result, err := NewEngine(tokenstore.NewMemoryStore()).ProbeConnection(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.False(t, result.RequiresAuth)
		assert.Nil(t, result.Challenge)
	})

	t.Run("POST-only server", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="https://auth.example.com"`)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		result, err := NewEngine(tokenstore.NewMemoryStore()).ProbeConnection(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.True(t, result.RequiresAuth)
		require.NotNil(t, result.Challenge)
	})
}

func TestWellKnownPRMURL(t *testing.T) {
	tests := []struct {
		serverURL string
		want      string
	}{
		{"https://mcp.example.com", "https://mcp.example.com/.well-known/oauth-protected-resource"},
		{"https://mcp.example.com/mcp", "https://mcp.example.com/.well-known/oauth-protected-resource"},
		{"https://mcp.example.com/tenant/a/mcp", "https://mcp.example.com/.well-known/oauth-protected-resource/tenant/a"},
	}

	for _, tt := range tests {
		got, err := wellKnownPRMURL(tt.serverURL)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.serverURL)
	}
}
