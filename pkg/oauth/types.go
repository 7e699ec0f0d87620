package oauth

import (
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultExpiryMargin is the default margin when checking token expiry.
// This accounts for clock skew and network latency.
const DefaultExpiryMargin = 30 * time.Second

// TokenRefreshThreshold is the duration before token expiry when tokens
// should be proactively refreshed. Tokens expiring within this threshold are
// refreshed before a tool call if a refresh token is available.
const TokenRefreshThreshold = 5 * time.Minute

// NormalizeServerURL strips transport-specific path suffixes (/mcp, /sse)
// and trailing slashes from a server URL. Discovery documents and stored
// tokens are keyed by the base server URL regardless of which endpoint path
// was used to connect.
func NormalizeServerURL(serverURL string) string {
	serverURL = strings.TrimSuffix(serverURL, "/")
	serverURL = strings.TrimSuffix(serverURL, "/mcp")
	serverURL = strings.TrimSuffix(serverURL, "/sse")
	return serverURL
}

// Token represents an OAuth access token with associated metadata.
type Token struct {
	// AccessToken is the bearer token used for authorization.
	AccessToken string `json:"access_token"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the token lifetime in seconds (from the token response).
	ExpiresIn int `json:"expires_in,omitempty"`

	// ExpiresAt is the calculated expiration timestamp.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`
}

// IsExpired checks if the token has expired or will expire within the
// default margin.
func (t *Token) IsExpired() bool {
	return t.IsExpiredWithMargin(DefaultExpiryMargin)
}

// IsExpiredWithMargin checks if the token has expired or will expire within
// the given margin. Tokens without an expiration never expire.
func (t *Token) IsExpiredWithMargin(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// SetExpiresAtFromExpiresIn calculates and sets ExpiresAt from ExpiresIn.
func (t *Token) SetExpiresAtFromExpiresIn() {
	if t.ExpiresIn > 0 && t.ExpiresAt.IsZero() {
		t.ExpiresAt = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
}

// Scopes returns the scope as a slice of individual scopes.
func (t *Token) Scopes() []string {
	if t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}

// ToOAuth2Token converts the Token to an oauth2.Token for compatibility
// with golang.org/x/oauth2.
func (t *Token) ToOAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
}

// Metadata represents OAuth 2.0 Authorization Server Metadata as defined in
// RFC 8414.
type Metadata struct {
	// Issuer is the authorization server's issuer identifier.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL for dynamic client registration.
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// RevocationEndpoint is the URL of the RFC 7009 token revocation endpoint.
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the RFC 7662 introspection endpoint.
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// ScopesSupported lists the OAuth 2.0 scope values supported.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// GrantTypesSupported lists the grant types supported.
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods.
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// SupportsPKCE returns true if the server supports S256 PKCE.
func (m *Metadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	// If not specified, assume S256 is supported (OAuth 2.1 requirement)
	return len(m.CodeChallengeMethodsSupported) == 0
}

// ProtectedResourceMetadata represents OAuth 2.0 Protected Resource Metadata
// as defined in RFC 9728. An MCP server publishes this document to name the
// authorization server(s) that protect it.
type ProtectedResourceMetadata struct {
	// Resource is the protected resource's identifier URL.
	Resource string `json:"resource"`

	// AuthorizationServers lists the issuer URLs of the authorization
	// servers that can issue tokens for this resource.
	AuthorizationServers []string `json:"authorization_servers,omitempty"`

	// ScopesSupported lists the scope values the resource understands.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// BearerMethodsSupported lists the supported bearer token methods.
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
}

// Discovery methods recorded in a DiscoveryDocument.
const (
	// DiscoveryMethodPRM means the document was assembled from an RFC 9728
	// protected resource metadata document naming the authorization server.
	DiscoveryMethodPRM = "rfc9728_prm"

	// DiscoveryMethodDirect means RFC 8414 metadata was fetched directly
	// against the MCP server URL.
	DiscoveryMethodDirect = "direct_oauth"
)

// DiscoveryDocument is the assembled result of OAuth endpoint discovery for
// one integration. It is created once on first discovery and cached until
// explicitly invalidated.
type DiscoveryDocument struct {
	// Resource is the protected resource URL (normalized server URL).
	Resource string `json:"resource"`

	// Issuer is the authorization server's issuer identifier.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL for dynamic client registration.
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// RevocationEndpoint is the URL of the RFC 7009 revocation endpoint.
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the introspection endpoint.
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// ScopesSupported lists the supported scopes, merged from the resource
	// and authorization server metadata.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE methods the server accepts.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// Method records how the document was discovered: DiscoveryMethodPRM or
	// DiscoveryMethodDirect.
	Method string `json:"method"`
}

// SupportsPKCE returns true if the discovered server supports S256 PKCE.
func (d *DiscoveryDocument) SupportsPKCE() bool {
	for _, method := range d.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return len(d.CodeChallengeMethodsSupported) == 0
}

// AuthChallenge represents parsed information from a WWW-Authenticate
// header. This carries the hints needed to locate the authorization server.
type AuthChallenge struct {
	// Scheme is the authentication scheme (typically "Bearer").
	Scheme string

	// Realm is the protection realm (often the authorization server URL).
	Realm string

	// Issuer is the OAuth issuer URL, derived from the realm when the realm
	// is a URL.
	Issuer string

	// ResourceMetadataURL is the URL of the RFC 9728 protected resource
	// metadata document, when the server advertises one.
	ResourceMetadataURL string

	// Scope is the space-separated list of requested OAuth scopes.
	Scope string

	// Error is the error code from the WWW-Authenticate header (if any).
	Error string

	// ErrorDescription is a human-readable error description (if any).
	ErrorDescription string
}

// IsOAuthChallenge returns true if this represents an OAuth authentication
// challenge with enough information to start discovery.
func (c *AuthChallenge) IsOAuthChallenge() bool {
	if c == nil {
		return false
	}
	if !strings.EqualFold(c.Scheme, "Bearer") {
		return false
	}
	return c.Realm != "" || c.ResourceMetadataURL != "" || c.Issuer != ""
}

// GetIssuer returns the OAuth issuer URL, preferring the explicit Issuer
// field and falling back to the realm when it is a URL.
func (c *AuthChallenge) GetIssuer() string {
	if c == nil {
		return ""
	}
	if c.Issuer != "" {
		return c.Issuer
	}
	if strings.HasPrefix(c.Realm, "http://") || strings.HasPrefix(c.Realm, "https://") {
		return c.Realm
	}
	return ""
}

// PKCEChallenge represents a PKCE (Proof Key for Code Exchange) challenge.
// PKCE is required for OAuth 2.1 public clients to prevent authorization
// code interception.
type PKCEChallenge struct {
	// CodeVerifier is the cryptographically random string, base64url-encoded.
	// It is kept secret and never sent to the authorization server.
	CodeVerifier string

	// CodeChallenge is the SHA256 hash of the verifier, base64url-encoded.
	CodeChallenge string

	// CodeChallengeMethod is always "S256" (plain is not allowed in OAuth 2.1).
	CodeChallengeMethod string
}
