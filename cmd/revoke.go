package cmd

import (
	"fmt"

	"toolgate/internal/app"
	"toolgate/internal/config"

	"github.com/spf13/cobra"
)

// newRevokeCmd creates the command that revokes a user's tokens for an
// integration.
func newRevokeCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "revoke <integration>",
		Short: "Revoke stored OAuth tokens for an integration",
		Long: `Revokes the user's refresh and access tokens at the authorization
server (when it publishes a revocation endpoint) and clears them from
local storage. Revocation is best-effort: local tokens are cleared even
when the server rejects the revocation request.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			integration := args[0]

			configDir := rootConfigPath
			if configDir == "" {
				configDir = config.GetDefaultConfigPathOrPanic()
			}
			cfg, err := config.LoadConfig(configDir)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			runtime, err := app.New(&cfg)
			if err != nil {
				return err
			}
			defer runtime.Shutdown()

			if err := runtime.Revoke(cmd.Context(), userID, integration); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Tokens for %s/%s revoked and cleared\n", userID, integration)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "default", "user identity whose tokens to revoke")
	return cmd
}
