package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks a loaded configuration for structural errors. It rejects
// what would certainly break at runtime (missing names, unparseable URLs,
// duplicate integrations) and leaves security hygiene to the discovery
// engine's endpoint validation.
func Validate(c *Config) error {
	seen := make(map[string]bool, len(c.Integrations))

	for i := range c.Integrations {
		integ := &c.Integrations[i]

		if integ.Name == "" {
			return fmt.Errorf("integration %d: name is required", i)
		}
		if seen[integ.Name] {
			return fmt.Errorf("integration %q: duplicate name", integ.Name)
		}
		seen[integ.Name] = true

		if integ.ServerURL == "" {
			return fmt.Errorf("integration %q: serverUrl is required", integ.Name)
		}
		u, err := url.Parse(integ.ServerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("integration %q: invalid serverUrl %q", integ.Name, integ.ServerURL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("integration %q: serverUrl must be http(s), got %q", integ.Name, u.Scheme)
		}

		if integ.ClientID != nil && strings.TrimSpace(*integ.ClientID) == "" {
			// An explicitly empty clientId is almost always a templating
			// accident; reject it rather than silently falling through to
			// the environment or a DCR record.
			return fmt.Errorf("integration %q: clientId is set but empty (remove the key to use env/DCR credentials)", integ.Name)
		}
	}

	return nil
}
