package config

import (
	"time"

	"toolgate/pkg/oauth"
)

// Config is the top-level configuration structure for toolgate.
type Config struct {
	// Integrations describes the upstream MCP servers this process may
	// connect to. Each entry is immutable after load.
	Integrations []IntegrationConfig `yaml:"integrations"`

	// Pool configures the per-user client pool.
	Pool PoolConfig `yaml:"pool,omitempty"`

	// Retry configures the tool-call retry loop.
	Retry RetryConfig `yaml:"retry,omitempty"`

	// TokenStorageDir is the directory for persisted OAuth tokens,
	// discovery documents, and DCR client records. Empty selects the
	// default under the user's home directory.
	TokenStorageDir string `yaml:"tokenStorageDir,omitempty"`
}

// IntegrationConfig is the immutable description of one upstream MCP server.
// It is created at configuration load and read-only thereafter.
type IntegrationConfig struct {
	// Name is the integration identifier (e.g. "gmail", "linear").
	Name string `yaml:"name"`

	// ServerURL is the MCP server endpoint.
	ServerURL string `yaml:"serverUrl"`

	// RequiresAuth indicates whether the server expects OAuth bearer tokens.
	RequiresAuth bool `yaml:"requiresAuth,omitempty"`

	// ClientID is the static OAuth client ID. A nil pointer means "not
	// configured, consult the next credential source"; an explicit empty
	// string is a configuration error that deliberately does NOT fall
	// through to the environment or DCR record.
	ClientID *string `yaml:"clientId,omitempty"`

	// ClientSecret is the static OAuth client secret, with the same
	// nil-vs-empty semantics as ClientID.
	ClientSecret *string `yaml:"clientSecret,omitempty"`

	// ClientIDEnv names an environment variable holding the client ID.
	ClientIDEnv string `yaml:"clientIdEnv,omitempty"`

	// ClientSecretEnv names an environment variable holding the client secret.
	ClientSecretEnv string `yaml:"clientSecretEnv,omitempty"`

	// Scope is the OAuth scope requested for this integration.
	Scope string `yaml:"scope,omitempty"`

	// PreferredAuthServer selects one issuer when the RFC 9728 resource
	// metadata lists several authorization servers. Empty picks the first.
	PreferredAuthServer string `yaml:"preferredAuthServer,omitempty"`

	// OAuthMetadata is pre-known authorization server metadata. When set,
	// endpoint discovery is skipped entirely.
	OAuthMetadata *oauth.Metadata `yaml:"oauthMetadata,omitempty"`
}

// PoolConfig configures the per-user client pool.
type PoolConfig struct {
	// MaxClients is the pool capacity. The least-recently-used client is
	// evicted when a new user would exceed it.
	MaxClients int `yaml:"maxClients,omitempty"`

	// TTLSeconds is how long an idle client survives between cleanup passes.
	TTLSeconds int `yaml:"ttlSeconds,omitempty"`

	// CleanupIntervalSeconds is how often the idle-eviction pass runs.
	CleanupIntervalSeconds int `yaml:"cleanupIntervalSeconds,omitempty"`
}

// TTL returns the idle eviction threshold as a duration.
func (p PoolConfig) TTL() time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

// CleanupInterval returns the cleanup cadence as a duration.
func (p PoolConfig) CleanupInterval() time.Duration {
	return time.Duration(p.CleanupIntervalSeconds) * time.Second
}

// RetryConfig configures the bounded retry loop around tool invocations.
type RetryConfig struct {
	// MaxRetries is the number of attempts for transient failures.
	MaxRetries int `yaml:"maxRetries,omitempty"`

	// BackoffSeconds is the delay schedule between attempts.
	BackoffSeconds []int `yaml:"backoffSeconds,omitempty"`
}

// Backoff returns the delay schedule as durations.
func (r RetryConfig) Backoff() []time.Duration {
	delays := make([]time.Duration, len(r.BackoffSeconds))
	for i, s := range r.BackoffSeconds {
		delays[i] = time.Duration(s) * time.Second
	}
	return delays
}

// Integration returns the integration with the given name, or nil.
func (c *Config) Integration(name string) *IntegrationConfig {
	for i := range c.Integrations {
		if c.Integrations[i].Name == name {
			return &c.Integrations[i]
		}
	}
	return nil
}
