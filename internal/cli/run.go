package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/iotistica/iotistic-agent/internal/daemon"
)

func init() {
	runCmd.Flags().StringVar(&runHost, "host", "", "host the local API listens on (overrides config)")
	runCmd.Flags().IntVar(&runPort, "port", 0, "port the local API listens on (overrides config)")
	rootCmd.AddCommand(runCmd)
}

var (
	runHost string
	runPort int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent daemon",
	Long:  `Start the reconciliation loop, cloud sync, sensor polling, and local API server.`,
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	if runHost != "" {
		cfg.API.Host = runHost
	}
	if runPort > 0 {
		cfg.API.Port = runPort
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Serve(context.Background())
}
