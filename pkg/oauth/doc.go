// Package oauth contains the shared OAuth 2.1 wire types used by the
// toolgate integration layer: token responses, RFC 8414 authorization server
// metadata, RFC 9728 protected resource metadata, WWW-Authenticate challenge
// parsing, and PKCE generation.
//
// The types here are deliberately free of behavior beyond parsing and
// expiry math. Discovery, refresh, and revocation live in internal/oauth;
// this package only describes what goes over the wire.
package oauth
