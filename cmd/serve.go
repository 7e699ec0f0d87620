package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"toolgate/internal/app"
	"toolgate/internal/config"
	"toolgate/pkg/logging"

	"github.com/spf13/cobra"
)

// newServeCmd creates the command that runs the integration runtime as a
// long-lived process: pools stay warm, idle clients are swept, and
// configuration changes are watched (a restart applies them).
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the integration runtime",
		Long: `Starts the integration runtime and keeps it running until interrupted.

The runtime maintains per-user connection pools to the configured MCP
servers, evicting idle connections and refreshing OAuth tokens as needed.
The configuration file is watched for changes; edits are logged and take
effect on the next restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir := rootConfigPath
			if configDir == "" {
				configDir = config.GetDefaultConfigPathOrPanic()
			}

			cfg, err := config.LoadConfig(configDir)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if len(cfg.Integrations) == 0 {
				logging.Warn("Serve", "No integrations configured")
			}

			runtime, err := app.New(&cfg)
			if err != nil {
				return err
			}
			defer runtime.Shutdown()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			watcher, err := config.NewWatcher(ctx, configDir, nil)
			if err != nil {
				logging.Warn("Serve", "Configuration watching unavailable: %v", err)
			} else {
				defer watcher.Close()
			}

			logging.Info("Serve", "Runtime started with %d integration(s)", len(cfg.Integrations))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Info("Serve", "Received %s, shutting down", sig)
			case <-ctx.Done():
			}

			runtime.Shutdown()
			return nil
		},
	}
}
