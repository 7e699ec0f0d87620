package tokenstore

import (
	"context"
	"sync"
	"time"

	"toolgate/pkg/logging"
	"toolgate/pkg/oauth"
)

// record groups everything stored for one key.
type record struct {
	token     *oauth.Token
	dcr       *DCRClient
	discovery *oauth.DiscoveryDocument
}

// MemoryStore is a thread-safe in-memory Store. It backs tests and
// short-lived CLI invocations; long-running processes use FileStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]*record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]*record)}
}

func (s *MemoryStore) get(key Key) *record {
	rec, ok := s.records[key]
	if !ok {
		rec = &record{}
		s.records[key] = rec
	}
	return rec
}

// GetOAuthToken returns the stored token record, or nil.
func (s *MemoryStore) GetOAuthToken(_ context.Context, key Key) (*oauth.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.records[key]; ok && rec.token != nil {
		cp := *rec.token
		return &cp, nil
	}
	return nil, nil
}

// GetRefreshToken returns the stored refresh token, or "".
func (s *MemoryStore) GetRefreshToken(_ context.Context, key Key) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.records[key]; ok && rec.token != nil {
		return rec.token.RefreshToken, nil
	}
	return "", nil
}

// StoreOAuthTokens overwrites the token record, retaining the previous
// refresh token when the new one is empty.
func (s *MemoryStore) StoreOAuthTokens(_ context.Context, key Key, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.get(key)
	if refreshToken == "" && rec.token != nil {
		refreshToken = rec.token.RefreshToken
	}
	rec.token = &oauth.Token{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}

	logging.Debug("TokenStore", "Stored tokens for %s (expires: %v, has_refresh: %t)",
		key, expiresAt, refreshToken != "")
	return nil
}

// ClearOAuthTokens removes the token record.
func (s *MemoryStore) ClearOAuthTokens(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		rec.token = nil
	}
	logging.Debug("TokenStore", "Cleared tokens for %s", key)
	return nil
}

// GetDCRClient returns the dynamic client registration record, or nil.
func (s *MemoryStore) GetDCRClient(_ context.Context, key Key) (*DCRClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.records[key]; ok && rec.dcr != nil {
		cp := *rec.dcr
		return &cp, nil
	}
	return nil, nil
}

// StoreDCRClient saves a dynamic client registration record.
func (s *MemoryStore) StoreDCRClient(_ context.Context, key Key, client *DCRClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	s.get(key).dcr = &cp
	logging.Debug("TokenStore", "Stored DCR client for %s (client_id=%s)", key, client.ClientID)
	return nil
}

// GetOAuthDiscovery returns the cached discovery document, or nil.
func (s *MemoryStore) GetOAuthDiscovery(_ context.Context, key Key) (*oauth.DiscoveryDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.records[key]; ok && rec.discovery != nil {
		cp := *rec.discovery
		return &cp, nil
	}
	return nil, nil
}

// StoreOAuthDiscovery caches a discovery document. An existing document is
// kept unchanged; invalidation is explicit via ClearOAuthDiscovery.
func (s *MemoryStore) StoreOAuthDiscovery(_ context.Context, key Key, doc *oauth.DiscoveryDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.get(key)
	if rec.discovery != nil {
		logging.Debug("TokenStore", "Discovery document for %s already cached, keeping existing", key)
		return nil
	}
	cp := *doc
	rec.discovery = &cp
	logging.Debug("TokenStore", "Cached discovery document for %s (method=%s, issuer=%s)",
		key, doc.Method, doc.Issuer)
	return nil
}

// ClearOAuthDiscovery invalidates the cached discovery document.
func (s *MemoryStore) ClearOAuthDiscovery(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		rec.discovery = nil
	}
	return nil
}
