// Package cli implements the agent's command-line interface using
// Cobra. Each subcommand maps to one operator-facing lifecycle action.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "iotistic-agent",
	Short: "iotistic-agent — edge device agent",
	Long: `iotistic-agent runs on edge devices: it provisions device identity
against the cloud control plane, reconciles locally running apps against
the desired target state, polls Modbus sensors, and reports anomalies.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
