// cmd/sajmqtt/main.go
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tamzrod/saj-mqtt-bridge/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type globalFlags struct {
	configPath string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "sajmqtt",
		Short: "Bridge for SAJ H1 inverters speaking MQTT through the eSolar cloud topics",
		Long: `sajmqtt reads and writes SAJ H1 inverter registers over MQTT.

The inverter publishes answers on <prefix>/<serial>/data_transmission_rsp and
accepts requests on <prefix>/<serial>/data_transmission. sajmqtt polls register
datasets, republishes them as JSON state topics, optionally replicates them to
Modbus TCP servers, and exposes register services on the CLI and over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
			if g.debug {
				logging.SetLevel(zerolog.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "sajmqtt.yaml", "Path to the YAML config file")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newReadCmd(g))
	root.AddCommand(newWriteCmd(g))
	root.AddCommand(newSetAppModeCmd(g))
	root.AddCommand(newSimulateCmd(g))
	root.AddCommand(newSelfTestCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sajmqtt version %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "date: %s\n", date)
		},
	}
}
