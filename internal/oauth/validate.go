package oauth

import (
	"net/url"
	"strings"

	"toolgate/pkg/logging"
	"toolgate/pkg/oauth"
)

// ValidateEndpoints checks a discovery document for security hygiene
// problems: non-HTTPS endpoints, endpoints whose host differs from the
// issuer, and userinfo in URLs. Findings are warnings, not errors; a
// document that fails validation is still cached and used, because some
// legitimate deployments (localhost development, internal CAs behind
// reverse proxies) trip these checks.
func ValidateEndpoints(doc *oauth.DiscoveryDocument) []SecurityWarning {
	var warnings []SecurityWarning

	issuerHost := hostOf(doc.Issuer)

	endpoints := map[string]string{
		"authorization_endpoint": doc.AuthorizationEndpoint,
		"token_endpoint":         doc.TokenEndpoint,
		"registration_endpoint":  doc.RegistrationEndpoint,
		"revocation_endpoint":    doc.RevocationEndpoint,
		"introspection_endpoint": doc.IntrospectionEndpoint,
	}

	for name, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}

		u, err := url.Parse(endpoint)
		if err != nil {
			warnings = append(warnings, SecurityWarning{
				Endpoint: endpoint,
				Reason:   name + " is not a valid URL",
			})
			continue
		}

		if u.Scheme != "https" && !isLoopback(u.Hostname()) {
			warnings = append(warnings, SecurityWarning{
				Endpoint: endpoint,
				Reason:   name + " does not use HTTPS",
			})
		}

		if u.User != nil {
			warnings = append(warnings, SecurityWarning{
				Endpoint: endpoint,
				Reason:   name + " embeds userinfo",
			})
		}

		if issuerHost != "" && u.Hostname() != issuerHost {
			warnings = append(warnings, SecurityWarning{
				Endpoint: endpoint,
				Reason:   name + " host differs from issuer " + doc.Issuer,
			})
		}
	}

	if doc.AuthorizationEndpoint == "" {
		warnings = append(warnings, SecurityWarning{
			Endpoint: doc.Issuer,
			Reason:   "metadata has no authorization_endpoint",
		})
	}
	if doc.TokenEndpoint == "" {
		warnings = append(warnings, SecurityWarning{
			Endpoint: doc.Issuer,
			Reason:   "metadata has no token_endpoint",
		})
	}

	return warnings
}

// logWarnings reports validation findings for a freshly discovered document.
func logWarnings(serverURL string, warnings []SecurityWarning) {
	for _, w := range warnings {
		logging.Warn("OAuthDiscovery", "Endpoint validation for %s: %s", serverURL, w)
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasSuffix(host, ".localhost")
}
