package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ostrane/tracedeck/cmd/tracedeck/commands"
	"github.com/ostrane/tracedeck/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tracedeck",
	Short: "TraceDeck - execution trace dashboard for the SOP orchestrator",
	Long: `TraceDeck - dashboard and CLI for orchestrator execution traces.

TraceDeck sits in front of an SOP-driven task-execution orchestrator:
it submits and tracks jobs, reconstructs task hierarchies from execution
traces, follows traces live over the orchestrator's event stream, and
browses the SOP document library.

Available commands:
  serve  - Start the dashboard server (HTTP API + websocket push)
  jobs   - Submit, list, inspect and cancel orchestrator jobs
  trace  - List, render and live-follow execution traces
  sop    - Browse and sync the SOP document library
  config - Manage TraceDeck configuration

Examples:
  tracedeck serve                          # Start the dashboard server
  tracedeck jobs submit --sop deploy.md    # Submit an SOP run
  tracedeck trace show TR_abc123           # Print a trace hierarchy
  tracedeck trace follow TR_abc123         # Follow a trace live
  tracedeck sop read runbooks/deploy.md    # Render an SOP document`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		if err := logger.Initialize(jsonOutput, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json", false, "Emit logs as JSON instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Config file to use instead of the layered lookup")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.TraceCmd)
	rootCmd.AddCommand(commands.SOPCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
