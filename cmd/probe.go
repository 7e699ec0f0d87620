package cmd

import (
	"fmt"
	"time"

	"toolgate/internal/config"
	ioauth "toolgate/internal/oauth"
	"toolgate/internal/tokenstore"
	"toolgate/pkg/oauth"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// newProbeCmd creates the command that checks whether an MCP server
// requires authentication, and optionally runs full endpoint discovery.
func newProbeCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "probe <server-url>",
		Short: "Check whether an MCP server requires authentication",
		Long: `Probes an MCP server URL and reports whether it demands OAuth
authentication, including any WWW-Authenticate challenge details.

With --full, the complete endpoint discovery sequence runs (RFC 9728
protected resource metadata, falling back to direct RFC 8414 metadata)
and the resolved endpoints are printed. Nothing is cached.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL := args[0]

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond,
				spinner.WithWriter(cmd.ErrOrStderr()))
			s.Suffix = " Probing " + serverURL
			s.Start()

			engine := ioauth.NewEngine(tokenstore.NewMemoryStore())
			result, err := engine.ProbeConnection(cmd.Context(), serverURL)
			s.Stop()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server:        %s\n", serverURL)
			fmt.Fprintf(out, "Status:        %d\n", result.StatusCode)
			fmt.Fprintf(out, "Requires auth: %t\n", result.RequiresAuth)

			if c := result.Challenge; c != nil {
				fmt.Fprintf(out, "Challenge:     %s", c.Scheme)
				if c.Realm != "" {
					fmt.Fprintf(out, " realm=%q", c.Realm)
				}
				if c.ResourceMetadataURL != "" {
					fmt.Fprintf(out, " resource_metadata=%q", c.ResourceMetadataURL)
				}
				if c.Scope != "" {
					fmt.Fprintf(out, " scope=%q", c.Scope)
				}
				fmt.Fprintln(out)
			}

			if !full || !result.RequiresAuth {
				return nil
			}

			s.Suffix = " Discovering OAuth endpoints"
			s.Start()
			doc, err := probeDiscovery(cmd, engine, serverURL)
			s.Stop()
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "\nDiscovery method:       %s\n", doc.Method)
			fmt.Fprintf(out, "Issuer:                 %s\n", doc.Issuer)
			fmt.Fprintf(out, "Authorization endpoint: %s\n", doc.AuthorizationEndpoint)
			fmt.Fprintf(out, "Token endpoint:         %s\n", doc.TokenEndpoint)
			if doc.RegistrationEndpoint != "" {
				fmt.Fprintf(out, "Registration endpoint:  %s\n", doc.RegistrationEndpoint)
			}
			if doc.RevocationEndpoint != "" {
				fmt.Fprintf(out, "Revocation endpoint:    %s\n", doc.RevocationEndpoint)
			}
			if len(doc.ScopesSupported) > 0 {
				fmt.Fprintf(out, "Scopes supported:       %v\n", doc.ScopesSupported)
			}
			fmt.Fprintf(out, "PKCE (S256):            %t\n", doc.SupportsPKCE())
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "run full OAuth endpoint discovery")
	return cmd
}

// probeDiscovery runs the discovery sequence against a throwaway in-memory
// store so probing never touches persisted state.
func probeDiscovery(cmd *cobra.Command, engine *ioauth.Engine, serverURL string) (*oauth.DiscoveryDocument, error) {
	integ := &config.IntegrationConfig{
		Name:         "probe",
		ServerURL:    serverURL,
		RequiresAuth: true,
	}
	key := tokenstore.Key{UserID: "probe", Integration: integ.Name}
	return engine.Discover(cmd.Context(), key, integ, nil)
}
