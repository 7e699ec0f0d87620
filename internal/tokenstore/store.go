package tokenstore

import (
	"context"
	"time"

	"toolgate/pkg/oauth"
)

// Key identifies one integration's credentials, scoped per user.
type Key struct {
	// UserID is the application user the credentials belong to.
	UserID string

	// Integration is the integration name (e.g. "gmail").
	Integration string
}

// String renders the key for logs and file names. Token values are never
// part of a key.
func (k Key) String() string {
	return k.UserID + "/" + k.Integration
}

// DCRClient is a client_id/client_secret pair obtained through RFC 7591
// dynamic client registration. The registration flow itself is an external
// collaborator; this layer only reads and stores the resulting record.
type DCRClient struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Store is the persistence contract consumed by the integration layer.
// It behaves as a key-value backend with last-writer-wins semantics per key;
// callers must not assume read-modify-write atomicity across calls.
//
// Lookup methods return the zero value with a nil error when nothing is
// stored; errors are reserved for backend failures.
type Store interface {
	// GetOAuthToken returns the stored token record, or nil.
	GetOAuthToken(ctx context.Context, key Key) (*oauth.Token, error)

	// GetRefreshToken returns the stored refresh token, or "".
	GetRefreshToken(ctx context.Context, key Key) (string, error)

	// StoreOAuthTokens overwrites the token record. An empty refresh token
	// retains the previously stored one: a refresh token, once present, is
	// only discarded by ClearOAuthTokens.
	StoreOAuthTokens(ctx context.Context, key Key, accessToken, refreshToken string, expiresAt time.Time) error

	// ClearOAuthTokens removes the token record, refresh token included.
	ClearOAuthTokens(ctx context.Context, key Key) error

	// GetDCRClient returns the dynamic client registration record, or nil.
	GetDCRClient(ctx context.Context, key Key) (*DCRClient, error)

	// StoreDCRClient saves a dynamic client registration record.
	StoreDCRClient(ctx context.Context, key Key, client *DCRClient) error

	// GetOAuthDiscovery returns the cached discovery document, or nil.
	GetOAuthDiscovery(ctx context.Context, key Key) (*oauth.DiscoveryDocument, error)

	// StoreOAuthDiscovery caches a discovery document. A document already
	// present is kept unchanged; replacing it requires an explicit
	// ClearOAuthDiscovery first.
	StoreOAuthDiscovery(ctx context.Context, key Key, doc *oauth.DiscoveryDocument) error

	// ClearOAuthDiscovery invalidates the cached discovery document.
	ClearOAuthDiscovery(ctx context.Context, key Key) error
}
