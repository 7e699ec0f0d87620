package tokenstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"toolgate/pkg/logging"
	"toolgate/pkg/oauth"

	"golang.org/x/oauth2"
)

// DefaultStorageDir is the default directory for persisted credentials,
// relative to the user's home directory.
const DefaultStorageDir = ".config/toolgate/tokens"

// fileRecord is the on-disk layout for one key. Everything the layer
// persists per (user, integration) lives in a single JSON file so a
// read-then-write sequence touches one file. Tokens are persisted in the
// oauth2.Token wire format for interoperability with x/oauth2 tooling.
type fileRecord struct {
	Key       string                   `json:"key"`
	Token     *oauth2.Token            `json:"token,omitempty"`
	DCRClient *DCRClient               `json:"dcr_client,omitempty"`
	Discovery *oauth.DiscoveryDocument `json:"discovery,omitempty"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// FileStore persists credentials as JSON files under a storage directory.
//
// SECURITY: the store handles OAuth credentials. Files are created 0600,
// the directory 0700, and token values are never logged (only keys and
// expiry metadata appear in log output).
type FileStore struct {
	mu         sync.Mutex
	storageDir string
	cache      map[Key]*fileRecord
}

// NewFileStore creates a file-backed store rooted at storageDir. An empty
// storageDir selects DefaultStorageDir under the user's home directory.
func NewFileStore(storageDir string) (*FileStore, error) {
	if storageDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		storageDir = filepath.Join(homeDir, DefaultStorageDir)
	}

	if err := os.MkdirAll(storageDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token storage directory: %w", err)
	}

	return &FileStore{
		storageDir: storageDir,
		cache:      make(map[Key]*fileRecord),
	}, nil
}

// fileKey generates a filesystem-safe identifier for a key.
func (s *FileStore) fileKey(key Key) string {
	hash := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(hash[:16])
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.storageDir, s.fileKey(key)+".json")
}

// load returns the record for key, reading it from disk on a cache miss.
// Requires s.mu held.
func (s *FileStore) load(key Key) (*fileRecord, error) {
	if rec, ok := s.cache[key]; ok {
		return rec, nil
	}

	// #nosec G304 -- path is derived from a hashed internal key, not user input
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			rec := &fileRecord{Key: key.String()}
			s.cache[key] = rec
			return rec, nil
		}
		return nil, fmt.Errorf("failed to read credential file for %s: %w", key, err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse credential file for %s: %w", key, err)
	}

	s.cache[key] = &rec
	return &rec, nil
}

// save persists the record for key with restricted permissions.
// Requires s.mu held.
func (s *FileStore) save(key Key, rec *fileRecord) error {
	rec.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential record: %w", err)
	}

	if err := os.WriteFile(s.path(key), data, 0600); err != nil {
		return fmt.Errorf("failed to write credential file for %s: %w", key, err)
	}

	s.cache[key] = rec
	return nil
}

// GetOAuthToken returns the stored token record, or nil.
func (s *FileStore) GetOAuthToken(_ context.Context, key Key) (*oauth.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return nil, err
	}
	if rec.Token == nil {
		return nil, nil
	}
	return &oauth.Token{
		AccessToken:  rec.Token.AccessToken,
		TokenType:    rec.Token.TokenType,
		RefreshToken: rec.Token.RefreshToken,
		ExpiresAt:    rec.Token.Expiry,
	}, nil
}

// GetRefreshToken returns the stored refresh token, or "".
func (s *FileStore) GetRefreshToken(_ context.Context, key Key) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return "", err
	}
	if rec.Token == nil {
		return "", nil
	}
	return rec.Token.RefreshToken, nil
}

// StoreOAuthTokens overwrites the token record, retaining the previous
// refresh token when the new one is empty.
func (s *FileStore) StoreOAuthTokens(_ context.Context, key Key, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return err
	}

	if refreshToken == "" && rec.Token != nil {
		refreshToken = rec.Token.RefreshToken
	}
	token := &oauth.Token{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}
	rec.Token = token.ToOAuth2Token()

	if err := s.save(key, rec); err != nil {
		logging.Warn("TokenStore", "Token persistence failed for %s: %v", key, err)
		return err
	}

	logging.Debug("TokenStore", "Stored tokens for %s (expires: %v, has_refresh: %t)",
		key, expiresAt, refreshToken != "")
	return nil
}

// ClearOAuthTokens removes the token record.
func (s *FileStore) ClearOAuthTokens(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return err
	}
	rec.Token = nil

	logging.Debug("TokenStore", "Cleared tokens for %s", key)
	return s.save(key, rec)
}

// GetDCRClient returns the dynamic client registration record, or nil.
func (s *FileStore) GetDCRClient(_ context.Context, key Key) (*DCRClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return nil, err
	}
	if rec.DCRClient == nil {
		return nil, nil
	}
	cp := *rec.DCRClient
	return &cp, nil
}

// StoreDCRClient saves a dynamic client registration record.
func (s *FileStore) StoreDCRClient(_ context.Context, key Key, client *DCRClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return err
	}
	cp := *client
	rec.DCRClient = &cp

	logging.Debug("TokenStore", "Stored DCR client for %s (client_id=%s)", key, client.ClientID)
	return s.save(key, rec)
}

// GetOAuthDiscovery returns the cached discovery document, or nil.
func (s *FileStore) GetOAuthDiscovery(_ context.Context, key Key) (*oauth.DiscoveryDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return nil, err
	}
	if rec.Discovery == nil {
		return nil, nil
	}
	cp := *rec.Discovery
	return &cp, nil
}

// StoreOAuthDiscovery caches a discovery document. An existing document is
// kept unchanged; invalidation is explicit via ClearOAuthDiscovery.
func (s *FileStore) StoreOAuthDiscovery(_ context.Context, key Key, doc *oauth.DiscoveryDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return err
	}
	if rec.Discovery != nil {
		logging.Debug("TokenStore", "Discovery document for %s already cached, keeping existing", key)
		return nil
	}
	cp := *doc
	rec.Discovery = &cp

	logging.Debug("TokenStore", "Cached discovery document for %s (method=%s, issuer=%s)",
		key, doc.Method, doc.Issuer)
	return s.save(key, rec)
}

// ClearOAuthDiscovery invalidates the cached discovery document.
func (s *FileStore) ClearOAuthDiscovery(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return err
	}
	rec.Discovery = nil
	return s.save(key, rec)
}
