package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "zoom-rtms",
	Short: "Zoom RTMS ingest orchestrator: webhook gateway, stream workers, failover",
	Long:  `Webhook gateway + per-stream worker processes. Commands: serve, worker.`,
	RunE:  runServe, // default: run the orchestrator (same as "zoom-rtms serve")
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}
