package cmd

import (
	"fmt"

	"toolgate/internal/app"
	"toolgate/internal/config"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// newToolsCmd creates the command that lists an integration's tools as the
// agent side would see them.
func newToolsCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "tools <integration>",
		Short: "List the tools an integration exposes",
		Long: `Connects to the named integration and lists its tools after
adaptation: integration-prefixed names, repaired input schemas, and
truncated descriptions. Tools that failed conversion are listed separately.`,
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
			if cfg.Integration(integration) == nil {
				return fmt.Errorf("integration %q is not configured", integration)
			}

			runtime, err := app.New(&cfg)
			if err != nil {
				return err
			}
			defer runtime.Shutdown()

			adapted, failures, err := runtime.Tools(cmd.Context(), userID, integration)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Tool", "Source", "Description"})
			for _, at := range adapted {
				desc := at.Description
				if len(desc) > 80 {
					desc = desc[:77] + "..."
				}
				t.AppendRow(table.Row{at.Name, at.SourceName, desc})
			}
			t.Render()

			if len(failures) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d tool(s) could not be adapted:\n", len(failures))
				for _, f := range failures {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", f)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "default", "user identity to connect as")
	return cmd
}
