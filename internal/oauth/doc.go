// Package oauth implements OAuth 2.1 endpoint discovery, credential
// resolution, and token lifecycle management for upstream MCP servers.
//
// Discovery follows RFC 9728 (protected resource metadata) with an RFC 8414
// fallback, caching the assembled document until explicit invalidation.
// The lifecycle manager handles refresh-token grants and best-effort
// RFC 7009 revocation; it never starts a new authorization flow.
package oauth
