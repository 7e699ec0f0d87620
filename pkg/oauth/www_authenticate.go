package oauth

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ParseWWWAuthenticate parses a WWW-Authenticate header value. It supports
// the Bearer scheme with OAuth 2.0 and MCP-specific parameters.
//
// Example headers:
//
//	Bearer realm="https://auth.example.com"
//	Bearer realm="https://auth.example.com", scope="openid profile"
//	Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"
func ParseWWWAuthenticate(header string) (*AuthChallenge, error) {
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	challenge := &AuthChallenge{
		Scheme: parts[0],
	}

	if len(parts) > 1 {
		params := parseAuthParams(parts[1])

		if realm, ok := params["realm"]; ok {
			challenge.Realm = realm
			if strings.HasPrefix(realm, "http://") || strings.HasPrefix(realm, "https://") {
				challenge.Issuer = realm
			}
		}
		if resourceMeta, ok := params["resource_metadata"]; ok {
			challenge.ResourceMetadataURL = resourceMeta
		}
		if scope, ok := params["scope"]; ok {
			challenge.Scope = scope
		}
		if errCode, ok := params["error"]; ok {
			challenge.Error = errCode
		}
		if errDesc, ok := params["error_description"]; ok {
			challenge.ErrorDescription = errDesc
		}
	}

	return challenge, nil
}

var authParamRegex = regexp.MustCompile(`(\w+)="([^"]*)"`)

// parseAuthParams parses the parameter portion of a WWW-Authenticate header.
// Parameters are in the format: key1="value1", key2="value2"
func parseAuthParams(paramStr string) map[string]string {
	params := make(map[string]string)

	for _, match := range authParamRegex.FindAllStringSubmatch(paramStr, -1) {
		if len(match) == 3 {
			params[strings.ToLower(match[1])] = match[2]
		}
	}

	return params
}

// ParseWWWAuthenticateFromResponse extracts an auth challenge from a 401
// response. Returns nil if no WWW-Authenticate header is present or parsing
// fails.
func ParseWWWAuthenticateFromResponse(resp *http.Response) *AuthChallenge {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return nil
	}

	challenge, err := ParseWWWAuthenticate(header)
	if err != nil {
		return nil
	}

	return challenge
}

// ParseWWWAuthenticateFromError attempts to extract an auth challenge from
// an error string. This is a best-effort fallback for transports that do not
// expose the HTTP response directly.
//
// Returns nil if the error does not look like a 401.
func ParseWWWAuthenticateFromError(err error) *AuthChallenge {
	if err == nil {
		return nil
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "401") &&
		!strings.Contains(strings.ToLower(errStr), "unauthorized") {
		return nil
	}

	if idx := strings.Index(errStr, "Bearer"); idx >= 0 {
		remaining := errStr[idx:]
		if endIdx := strings.IndexAny(remaining, "\n\r"); endIdx > 0 {
			remaining = remaining[:endIdx]
		}

		challenge, parseErr := ParseWWWAuthenticate(remaining)
		if parseErr == nil {
			return challenge
		}
	}

	// A 401 without a parseable challenge still means auth is required.
	return &AuthChallenge{Scheme: "Bearer"}
}
