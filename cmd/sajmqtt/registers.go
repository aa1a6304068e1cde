package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tamzrod/saj-mqtt-bridge/internal/client"
	"github.com/tamzrod/saj-mqtt-bridge/internal/registers"
)

func newReadCmd(g *globalFlags) *cobra.Command {
	var (
		count  string
		format string
	)

	cmd := &cobra.Command{
		Use:   "read <register>",
		Short: "Read holding registers",
		Long: `Read one or more holding registers and print them as colon-separated hex.
With --format the leading bytes are decoded as one big-endian value.
Register and count accept decimal or 0x-prefixed hex.`,
		Example: `  # Battery state of charge (0.01 %)
  sajmqtt read 0x406F --format '>H'

  # Raw config block
  sajmqtt read 0x3247 --count 46`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registers.ParseUint16(args[0])
			if err != nil {
				return err
			}
			n, err := registers.ParseUint16(count)
			if err != nil {
				return err
			}
			if format != "" {
				if err := registers.ValidateFormat(format); err != nil {
					return err
				}
			}

			return withClient(g, func(ctx context.Context, c *client.Client) error {
				data, err := c.ReadRegisters(ctx, reg, n)
				if err != nil {
					return err
				}
				if format == "" {
					fmt.Fprintln(cmd.OutOrStdout(), registers.Hex(data))
					return nil
				}
				v, err := registers.Unpack(format, data)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&count, "count", "n", "1", "Number of registers to read")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Decode as a value, e.g. '>H', '>h', '>I', '>f'")
	return cmd
}

func newWriteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "write <register> <value>",
		Short: "Write one holding register",
		Example: `  # Grid feed-in power limit
  sajmqtt write 0x3249 500`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registers.ParseUint16(args[0])
			if err != nil {
				return err
			}
			val, err := registers.ParseUint16(args[1])
			if err != nil {
				return err
			}
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				return writeAndReport(ctx, cmd, c, reg, val)
			})
		},
	}
}

func newSetAppModeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-app-mode <mode>",
		Short: "Set the inverter app mode (SELF_USE, TIME_OF_USE, BACKUP, PASSIVE)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := registers.ParseMode(args[0])
			if err != nil {
				return err
			}
			log.Info().Str("mode", mode.String()).Msg("setting app mode")
			return withClient(g, func(ctx context.Context, c *client.Client) error {
				return writeAndReport(ctx, cmd, c, registers.AppMode, uint16(mode))
			})
		},
	}
}

func writeAndReport(ctx context.Context, cmd *cobra.Command, c *client.Client, reg, val uint16) error {
	reply, err := c.WriteRegister(ctx, reg, val)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "0x%04x <- %d (reply %s)\n", reg, val, registers.Hex(reply))
	return nil
}
