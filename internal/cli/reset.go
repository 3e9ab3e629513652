package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iotistica/iotistic-agent/internal/device"
)

func init() {
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(factoryResetCmd)
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear cloud registration, keeping the local device identity",
	RunE:  runReset,
}

var factoryResetCmd = &cobra.Command{
	Use:   "factory-reset",
	Short: "Wipe all device identity and return to the unprovisioned state",
	RunE:  runFactoryReset,
}

func runReset(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := device.New(store, nil).Reset(); err != nil {
		return err
	}
	fmt.Println("device reset to unprovisioned phase")
	return nil
}

func runFactoryReset(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := device.New(store, nil).FactoryReset(); err != nil {
		return err
	}
	fmt.Println("device factory reset")
	return nil
}
