package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/cmd/loom/commands"
	"github.com/loomworks/loom/logger"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - agent workflow orchestrator",
	Long: `Loom - workflow execution orchestration for agent runtimes.

Workflows bind a configuration document to an agent type. Executions are
triggered manually, by inbound webhooks, or on cron schedules, and their
lifecycle is observable over a websocket event stream.

Examples:
  loom serve                  # Start the orchestrator
  loom serve --config loom.toml
  loom db migrate             # Apply pending schema migrations
  loom db stats               # Show database statistics
  loom version                # Print build information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
