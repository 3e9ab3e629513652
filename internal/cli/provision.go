package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iotistica/iotistic-agent/internal/daemon"
	"github.com/iotistica/iotistic-agent/internal/device"
)

func init() {
	provisionCmd.Flags().StringVar(&provisionAPIBase, "api-base", "", "cloud API base URL (overrides config)")
	provisionCmd.Flags().StringVar(&provisionKey, "provisioning-key", "", "fleet-wide one-time provisioning key")
	provisionCmd.Flags().StringVar(&provisionDeviceType, "device-type", "", "device type (overrides config)")
	rootCmd.AddCommand(provisionCmd)
}

var (
	provisionAPIBase    string
	provisionKey        string
	provisionDeviceType string
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Run the two-phase device provisioning handshake",
	RunE:  runProvision,
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	apiBase := provisionAPIBase
	if apiBase == "" {
		apiBase = cfg.Cloud.APIBase
	}
	provisioningKey := provisionKey
	if provisioningKey == "" {
		provisioningKey = cfg.Cloud.ProvisioningKey
	}
	deviceType := provisionDeviceType
	if deviceType == "" {
		deviceType = cfg.Cloud.DeviceType
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := device.New(store, nil)
	if _, err := mgr.Initialize(); err != nil {
		return err
	}
	dev, err := mgr.Provision(context.Background(), device.ProvisionRequest{
		CloudAPIBase:    apiBase,
		ProvisioningKey: provisioningKey,
		DeviceType:      deviceType,
	})
	if err != nil {
		return err
	}

	fmt.Printf("provisioned device %s (phase=%s)\n", dev.UUID, dev.Phase)
	return nil
}
