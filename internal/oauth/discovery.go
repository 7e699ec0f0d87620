package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/tokenstore"
	"toolgate/pkg/logging"
	"toolgate/pkg/oauth"

	"golang.org/x/sync/singleflight"
)

// defaultHTTPTimeout bounds every discovery HTTP call so a hung upstream
// server cannot stall a connection attempt indefinitely.
const defaultHTTPTimeout = 15 * time.Second

// wellKnownPRMPath is the RFC 9728 well-known path for protected resource
// metadata.
const wellKnownPRMPath = "/.well-known/oauth-protected-resource"

// Engine locates and validates OAuth endpoints for MCP servers. Given a
// server URL it runs the discovery state machine:
//
//  1. Challenge extraction: probe the server for a 401 with a
//     resource_metadata hint.
//  2. RFC 9728: fetch protected resource metadata, select an authorization
//     server, fetch its RFC 8414 metadata.
//  3. Fallback: fetch RFC 8414 metadata directly against the server URL.
//  4. Terminal failure: DiscoveryError carrying both reasons.
//
// Successful documents are validated (warnings only) and cached in the
// token store until explicitly invalidated.
type Engine struct {
	httpClient *http.Client
	store      tokenstore.Store

	// group deduplicates concurrent discovery runs for the same key, so two
	// racing connection attempts perform a single network round.
	group singleflight.Group
}

// EngineOption configures the discovery engine.
type EngineOption func(*Engine)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) EngineOption {
	return func(e *Engine) {
		e.httpClient = httpClient
	}
}

// NewEngine creates a discovery engine backed by the given store.
func NewEngine(store tokenstore.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		store:      store,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// ProbeResult reports what a connection probe observed, for use during
// integration setup. Probing performs no discovery and caches nothing.
type ProbeResult struct {
	// RequiresAuth is true when the server answered with a 401.
	RequiresAuth bool

	// StatusCode is the HTTP status the probe received.
	StatusCode int

	// Challenge is the parsed WWW-Authenticate header, when present.
	Challenge *oauth.AuthChallenge
}

// Discover returns the OAuth discovery document for an integration, running
// the discovery state machine on a cache miss. A previously captured 401
// challenge may be passed to skip the probe; nil probes the server.
func (e *Engine) Discover(ctx context.Context, key tokenstore.Key, integ *config.IntegrationConfig, challenge *oauth.AuthChallenge) (*oauth.DiscoveryDocument, error) {
	if cached, err := e.store.GetOAuthDiscovery(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to read cached discovery document: %w", err)
	} else if cached != nil {
		return cached, nil
	}

	result, err, _ := e.group.Do(key.String(), func() (interface{}, error) {
		// Double-check the cache after winning the singleflight slot.
		if cached, err := e.store.GetOAuthDiscovery(ctx, key); err == nil && cached != nil {
			return cached, nil
		}

		doc, err := e.doDiscover(ctx, integ, challenge)
		if err != nil {
			return nil, err
		}

		logWarnings(integ.ServerURL, ValidateEndpoints(doc))

		if err := e.store.StoreOAuthDiscovery(ctx, key, doc); err != nil {
			return nil, fmt.Errorf("failed to cache discovery document: %w", err)
		}
		return doc, nil
	})

	if err != nil {
		return nil, err
	}

	return result.(*oauth.DiscoveryDocument), nil
}

// Invalidate drops the cached discovery document for a key. Cache
// invalidation is always explicit; nothing overwrites a cached document.
func (e *Engine) Invalidate(ctx context.Context, key tokenstore.Key) error {
	return e.store.ClearOAuthDiscovery(ctx, key)
}

// ProbeConnection performs only the challenge-extraction step against a
// server URL and reports whether authentication is required.
func (e *Engine) ProbeConnection(ctx context.Context, serverURL string) (*ProbeResult, error) {
	status, challenge, err := e.extractChallenge(ctx, serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w", serverURL, err)
	}

	return &ProbeResult{
		RequiresAuth: status == http.StatusUnauthorized,
		StatusCode:   status,
		Challenge:    challenge,
	}, nil
}

func (e *Engine) doDiscover(ctx context.Context, integ *config.IntegrationConfig, challenge *oauth.AuthChallenge) (*oauth.DiscoveryDocument, error) {
	serverURL := integ.ServerURL

	if !strings.HasPrefix(serverURL, "https://") && !isLoopback(hostOf(serverURL)) {
		logging.Warn("OAuthDiscovery", "Server URL %s does not use HTTPS", serverURL)
	}

	// Pre-known metadata short-circuits the network entirely.
	if integ.OAuthMetadata != nil {
		logging.Debug("OAuthDiscovery", "Using pre-configured OAuth metadata for %s", integ.Name)
		return assembleDocument(serverURL, integ.OAuthMetadata, nil, oauth.DiscoveryMethodDirect), nil
	}

	// Step 1: challenge extraction, unless the caller already captured one.
	if challenge == nil {
		status, probed, err := e.extractChallenge(ctx, serverURL)
		if err != nil {
			logging.Debug("OAuthDiscovery", "Challenge probe for %s failed: %v", serverURL, err)
		} else if status == http.StatusUnauthorized {
			challenge = probed
		}
	}

	// Step 2: RFC 9728 protected resource metadata.
	doc, prmErr := e.discoverViaPRM(ctx, serverURL, challenge, integ.PreferredAuthServer)
	if prmErr == nil {
		logging.Info("OAuthDiscovery", "Discovered OAuth endpoints for %s via resource metadata (issuer=%s)",
			serverURL, doc.Issuer)
		return doc, nil
	}
	logging.Debug("OAuthDiscovery", "RFC 9728 discovery for %s failed, trying direct metadata: %v",
		serverURL, prmErr)

	// Step 3: RFC 8414 directly against the server URL.
	md, directErr := e.fetchAuthServerMetadata(ctx, oauth.NormalizeServerURL(serverURL))
	if directErr == nil {
		logging.Info("OAuthDiscovery", "Discovered OAuth endpoints for %s via direct metadata (issuer=%s)",
			serverURL, md.Issuer)
		return assembleDocument(serverURL, md, nil, oauth.DiscoveryMethodDirect), nil
	}

	// Step 4: terminal failure, carrying both reasons.
	return nil, &DiscoveryError{
		ServerURL: serverURL,
		PRMErr:    prmErr,
		DirectErr: directErr,
	}
}

// extractChallenge probes the server and parses any WWW-Authenticate header.
// Servers that reject GET outright are retried with POST, since streamable
// HTTP endpoints commonly accept only POST.
func (e *Engine) extractChallenge(ctx context.Context, serverURL string) (int, *oauth.AuthChallenge, error) {
	resp, err := e.probeOnce(ctx, http.MethodGet, serverURL)
	if err != nil {
		return 0, nil, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp, err = e.probeOnce(ctx, http.MethodPost, serverURL)
		if err != nil {
			return 0, nil, err
		}
	}

	return resp.StatusCode, oauth.ParseWWWAuthenticateFromResponse(resp), nil
}

func (e *Engine) probeOnce(ctx context.Context, method, serverURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, serverURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	// The probe only needs status and headers.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	return resp, nil
}

// discoverViaPRM fetches the RFC 9728 protected resource metadata document
// and the RFC 8414 metadata of the authorization server it names.
func (e *Engine) discoverViaPRM(ctx context.Context, serverURL string, challenge *oauth.AuthChallenge, preferred string) (*oauth.DiscoveryDocument, error) {
	prmURL := ""
	if challenge != nil && challenge.ResourceMetadataURL != "" {
		prmURL = challenge.ResourceMetadataURL
	} else {
		var err error
		prmURL, err = wellKnownPRMURL(serverURL)
		if err != nil {
			return nil, err
		}
	}

	prm, err := e.fetchPRM(ctx, prmURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch resource metadata from %s: %w", prmURL, err)
	}

	if len(prm.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("resource metadata at %s lists no authorization servers", prmURL)
	}

	issuer := selectAuthServer(prm.AuthorizationServers, preferred)

	md, err := e.fetchAuthServerMetadata(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch authorization server metadata for %s: %w", issuer, err)
	}

	return assembleDocument(serverURL, md, prm, oauth.DiscoveryMethodPRM), nil
}

// selectAuthServer picks an issuer from the PRM list, honoring the
// configured preference when it is actually listed.
func selectAuthServer(servers []string, preferred string) string {
	if preferred != "" {
		for _, s := range servers {
			if strings.TrimSuffix(s, "/") == strings.TrimSuffix(preferred, "/") {
				return s
			}
		}
		logging.Warn("OAuthDiscovery", "Preferred authorization server %s not listed in resource metadata, using %s",
			preferred, servers[0])
	}
	return servers[0]
}

// wellKnownPRMURL builds the RFC 9728 well-known URL for a resource,
// inserting the well-known path between the origin and the resource path.
func wellKnownPRMURL(serverURL string) (string, error) {
	u, err := url.Parse(oauth.NormalizeServerURL(serverURL))
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}

	path := strings.TrimSuffix(u.Path, "/")
	u.Path = wellKnownPRMPath + path
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}

func (e *Engine) fetchPRM(ctx context.Context, prmURL string) (*oauth.ProtectedResourceMetadata, error) {
	body, err := e.fetchJSON(ctx, prmURL)
	if err != nil {
		return nil, err
	}

	var prm oauth.ProtectedResourceMetadata
	if err := json.Unmarshal(body, &prm); err != nil {
		return nil, fmt.Errorf("failed to parse resource metadata: %w", err)
	}

	return &prm, nil
}

// fetchAuthServerMetadata fetches RFC 8414 metadata for an issuer, trying
// the OAuth well-known path first and falling back to OpenID Connect
// discovery.
func (e *Engine) fetchAuthServerMetadata(ctx context.Context, issuer string) (*oauth.Metadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")

	body, err := e.fetchJSON(ctx, issuer+"/.well-known/oauth-authorization-server")
	if err != nil {
		logging.Debug("OAuthDiscovery", "RFC 8414 metadata fetch for %s failed, trying OIDC: %v", issuer, err)
		body, err = e.fetchJSON(ctx, issuer+"/.well-known/openid-configuration")
		if err != nil {
			return nil, err
		}
	}

	var md oauth.Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, fmt.Errorf("failed to parse authorization server metadata: %w", err)
	}
	if md.TokenEndpoint == "" && md.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("metadata for %s names no usable endpoints", issuer)
	}

	return &md, nil
}

func (e *Engine) fetchJSON(ctx context.Context, fetchURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request to %s failed with status %d", fetchURL, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// assembleDocument merges authorization server metadata (and optionally the
// resource metadata that named it) into a discovery document.
func assembleDocument(serverURL string, md *oauth.Metadata, prm *oauth.ProtectedResourceMetadata, method string) *oauth.DiscoveryDocument {
	doc := &oauth.DiscoveryDocument{
		Resource:                      oauth.NormalizeServerURL(serverURL),
		Issuer:                        md.Issuer,
		AuthorizationEndpoint:         md.AuthorizationEndpoint,
		TokenEndpoint:                 md.TokenEndpoint,
		RegistrationEndpoint:          md.RegistrationEndpoint,
		RevocationEndpoint:            md.RevocationEndpoint,
		IntrospectionEndpoint:         md.IntrospectionEndpoint,
		ScopesSupported:               md.ScopesSupported,
		CodeChallengeMethodsSupported: md.CodeChallengeMethodsSupported,
		Method:                        method,
	}

	if prm != nil {
		if prm.Resource != "" {
			doc.Resource = prm.Resource
		}
		// Scopes the resource understands are more specific than what the
		// authorization server supports globally.
		if len(prm.ScopesSupported) > 0 {
			doc.ScopesSupported = prm.ScopesSupported
		}
	}

	return doc
}
