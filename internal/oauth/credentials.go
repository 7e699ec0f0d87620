package oauth

import (
	"context"
	"fmt"
	"os"

	"toolgate/internal/config"
	"toolgate/internal/tokenstore"
	"toolgate/pkg/logging"
)

// Credential sources, in resolution order.
const (
	CredentialSourceConfig = "config"
	CredentialSourceEnv    = "env"
	CredentialSourceDCR    = "dcr"
)

// Credentials is a resolved OAuth client identity.
type Credentials struct {
	ClientID     string
	ClientSecret string

	// Source records which resolution step produced the credentials.
	Source string
}

// CredentialResolver resolves the OAuth client_id/client_secret for an
// integration. The resolution order is fixed: explicit configuration value,
// then named environment variable, then a stored dynamic client registration
// record. The order must not change: a statically configured credential
// always wins over a DCR record, even when both exist.
type CredentialResolver struct {
	store tokenstore.Store
}

// NewCredentialResolver creates a resolver backed by the given store.
func NewCredentialResolver(store tokenstore.Store) *CredentialResolver {
	return &CredentialResolver{store: store}
}

// Resolve returns the client credentials for an integration, or
// ErrNoCredentials when no source yields a client ID.
//
// A nil ClientID pointer means "not configured here, ask the next source".
// An explicitly empty value does NOT fall through: it is a configuration
// error, reported as such rather than silently shadowed by env or DCR.
func (r *CredentialResolver) Resolve(ctx context.Context, key tokenstore.Key, integ *config.IntegrationConfig) (*Credentials, error) {
	// 1. Static configuration.
	if integ.ClientID != nil {
		if *integ.ClientID == "" {
			return nil, fmt.Errorf("integration %q: clientId is explicitly empty", integ.Name)
		}
		creds := &Credentials{
			ClientID: *integ.ClientID,
			Source:   CredentialSourceConfig,
		}
		if integ.ClientSecret != nil {
			creds.ClientSecret = *integ.ClientSecret
		} else if integ.ClientSecretEnv != "" {
			creds.ClientSecret = os.Getenv(integ.ClientSecretEnv)
		}
		return creds, nil
	}

	// 2. Named environment variables.
	if integ.ClientIDEnv != "" {
		if clientID := os.Getenv(integ.ClientIDEnv); clientID != "" {
			creds := &Credentials{
				ClientID: clientID,
				Source:   CredentialSourceEnv,
			}
			if integ.ClientSecretEnv != "" {
				creds.ClientSecret = os.Getenv(integ.ClientSecretEnv)
			} else if integ.ClientSecret != nil {
				creds.ClientSecret = *integ.ClientSecret
			}
			return creds, nil
		}
		logging.Debug("Credentials", "Environment variable %s not set for integration %s, trying DCR",
			integ.ClientIDEnv, integ.Name)
	}

	// 3. Dynamic client registration record.
	dcr, err := r.store.GetDCRClient(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load DCR client for %s: %w", key, err)
	}
	if dcr != nil && dcr.ClientID != "" {
		return &Credentials{
			ClientID:     dcr.ClientID,
			ClientSecret: dcr.ClientSecret,
			Source:       CredentialSourceDCR,
		}, nil
	}

	return nil, ErrNoCredentials
}
