// Command blegw runs the BLE gateway: it bridges BLE advertisements and GATT
// transactions on one controller interface to an MQTT control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	blegw "github.com/sterwen-technology/blegw"
	"github.com/sterwen-technology/blegw/internal/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "blegw",
		Short:         "BLE to MQTT gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to the configuration document (default: the user config dir)")

	root.AddCommand(runCmd(&cfgPath))
	root.AddCommand(configCmd(&cfgPath))
	return root
}

func resolvePath(cfgPath string) (string, error) {
	if cfgPath != "" {
		return cfgPath, nil
	}
	return config.DefaultPath()
}

func runCmd(cfgPath *string) *cobra.Command {
	var gwID, iface, broker string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvePath(*cfgPath)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if gwID != "" {
				cfg.GatewayID = gwID
			}
			if iface != "" {
				cfg.Interface = iface
			}
			if broker != "" {
				cfg.MQTTBrokerURL = broker
			}

			gw, err := blegw.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return gw.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&gwID, "gateway-id", "", "gateway id used in bus topics (default: hostname)")
	cmd.Flags().StringVar(&iface, "interface", "", "controller interface, e.g. hci0")
	cmd.Flags().StringVar(&broker, "broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	return cmd
}

func configCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration document",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration document if absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvePath(*cfgPath)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Printf("configuration at %s (interface %s)\n", path, cfg.Interface)
			return nil
		},
	})
	return cmd
}
