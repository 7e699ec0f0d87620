package cmd

import (
	"errors"
	"os"

	"toolgate/internal/tools"
	"toolgate/pkg/logging"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands. These follow common conventions so scripts
// can distinguish auth problems from general failures.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates authentication is required but not available.
	ExitCodeAuthRequired = 2
)

// rootConfigPath is the configuration directory, settable via --config.
var rootConfigPath string

// rootDebug enables verbose logging across the application.
var rootDebug bool

// rootCmd represents the base command for the toolgate application.
var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Connect AI agents to MCP tool servers",
	Long: `toolgate manages authenticated connections from AI agents to remote
MCP (Model Context Protocol) servers: OAuth endpoint discovery, token
refresh and revocation, per-user connection pooling, and resilient tool
execution.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelInfo
		if rootDebug {
			level = logging.LevelDebug
		}
		logging.Init(level, os.Stderr)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "path to the configuration directory")
	rootCmd.PersistentFlags().BoolVar(&rootDebug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newToolsCmd())
	rootCmd.AddCommand(newRevokeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "toolgate version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error types to semantic exit codes.
func getExitCode(err error) int {
	var authRequired *tools.AuthRequiredError
	if errors.As(err, &authRequired) {
		return ExitCodeAuthRequired
	}
	return ExitCodeError
}
