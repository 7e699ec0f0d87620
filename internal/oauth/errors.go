package oauth

import (
	"errors"
	"fmt"
)

// ErrNoCredentials is returned by the credential resolver when no source
// (static config, environment, DCR record) yields a client ID.
var ErrNoCredentials = errors.New("no OAuth client credentials available")

// DiscoveryError means both discovery strategies failed for a server: the
// RFC 9728 protected resource metadata path and the direct RFC 8414 fetch.
// It is fatal for the connection attempt that triggered discovery.
type DiscoveryError struct {
	// ServerURL is the MCP server that discovery ran against.
	ServerURL string

	// PRMErr is the failure from the RFC 9728 attempt.
	PRMErr error

	// DirectErr is the failure from the direct RFC 8414 attempt.
	DirectErr error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("OAuth discovery failed for %s: resource metadata: %v; direct metadata: %v",
		e.ServerURL, e.PRMErr, e.DirectErr)
}

// SecurityWarning flags suspicious but non-fatal discovery results, such as
// non-HTTPS endpoints. Warnings are logged and never block caching.
type SecurityWarning struct {
	// Endpoint is the offending URL.
	Endpoint string

	// Reason describes what is suspicious about it.
	Reason string
}

func (w SecurityWarning) String() string {
	return fmt.Sprintf("%s: %s", w.Endpoint, w.Reason)
}
