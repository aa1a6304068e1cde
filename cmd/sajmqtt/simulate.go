package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tamzrod/saj-mqtt-bridge/internal/simulator"
	"github.com/tamzrod/saj-mqtt-bridge/internal/transport/mqtt"
)

type simulateFlags struct {
	delay         time.Duration
	duplicate     bool
	reorderWindow int
	dropEvery     int
	corruptEvery  int
}

func newSimulateCmd(g *globalFlags) *cobra.Command {
	flags := &simulateFlags{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Emulate an inverter on the broker",
		Long: `Answer register requests for the configured serial number from an in-memory
register map, the way the inverter does through the cloud topics. Useful to
try the bridge without hardware. Faults can be injected to test correlation.`,
		Example: `  # Plain inverter
  sajmqtt simulate -c sajmqtt.yaml

  # Answers arrive twice and in reverse order, in batches of 3
  sajmqtt simulate --duplicate --reorder-window 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}

			conn, err := mqtt.Connect(brokerConfig(cfg, fmt.Sprintf("%s-sim-%d", cfg.MQTT.ClientID, os.Getpid())))
			if err != nil {
				return err
			}
			defer conn.Close()

			inv := simulator.New(conn, simulator.Config{
				SerialNumber:  cfg.Inverter.SerialNumber,
				TopicPrefix:   cfg.Inverter.TopicPrefix,
				QoS:           *cfg.MQTT.QoS,
				Delay:         flags.delay,
				Duplicate:     flags.duplicate,
				ReorderWindow: flags.reorderWindow,
				DropEvery:     flags.dropEvery,
				CorruptEvery:  flags.corruptEvery,
			})
			inv.LoadDefaults(time.Now())
			if err := inv.Start(); err != nil {
				return err
			}
			defer inv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			inv.Flush()
			req, ans := inv.Stats()
			log.Info().Int("requests", req).Int("answered", ans).Msg("simulator stopped")
			return nil
		},
	}

	cmd.Flags().DurationVar(&flags.delay, "delay", 0, "Answer after this delay")
	cmd.Flags().BoolVar(&flags.duplicate, "duplicate", false, "Send every answer twice")
	cmd.Flags().IntVar(&flags.reorderWindow, "reorder-window", 0, "Hold answers in batches of N and send them newest first")
	cmd.Flags().IntVar(&flags.dropEvery, "drop-every", 0, "Ignore every N-th request")
	cmd.Flags().IntVar(&flags.corruptEvery, "corrupt-every", 0, "Corrupt the checksum of every N-th answer")
	return cmd
}
