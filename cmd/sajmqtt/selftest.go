package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tamzrod/saj-mqtt-bridge/internal/client"
	"github.com/tamzrod/saj-mqtt-bridge/internal/registers"
	"github.com/tamzrod/saj-mqtt-bridge/internal/simulator"
	"github.com/tamzrod/saj-mqtt-bridge/internal/transport/memory"
)

const selfTestSerial = "SELFTEST0001"

func newSelfTestCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the client against an in-process inverter",
		Long: `Start an emulated inverter on an in-process bus and run a short sequence
of reads and writes through the register client: chunked reads with answers
duplicated and reordered, an app mode round trip, a corrupted checksum and a
dropped request. No broker is needed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelfTest(cmd.Context(), cmd.OutOrStdout(), timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 200*time.Millisecond, "Per-operation timeout")
	return cmd
}

type selfTestStep struct {
	name string
	sim  simulator.Config
	run  func(ctx context.Context, c *client.Client, inv *simulator.Inverter) error
}

func runSelfTest(ctx context.Context, out io.Writer, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	steps := []selfTestStep{
		{
			name: "chunked read, answers duplicated and reordered",
			sim:  simulator.Config{Duplicate: true, ReorderWindow: 3},
			run: func(ctx context.Context, c *client.Client, _ *simulator.Inverter) error {
				data, err := c.ReadRegisters(ctx, registers.RealtimeStart, registers.Realtime.Quantity)
				if err != nil {
					return err
				}
				if len(data) != 2*int(registers.Realtime.Quantity) {
					return fmt.Errorf("got %d bytes", len(data))
				}
				if mode := registers.WorkingMode(binary.BigEndian.Uint16(data[8:])); mode != registers.Normal {
					return fmt.Errorf("working mode %v", mode)
				}
				return nil
			},
		},
		{
			name: "app mode round trip",
			run: func(ctx context.Context, c *client.Client, inv *simulator.Inverter) error {
				if _, err := c.WriteRegister(ctx, registers.AppMode, uint16(registers.Passive)); err != nil {
					return err
				}
				data, err := c.ReadRegisters(ctx, registers.AppMode, 1)
				if err != nil {
					return err
				}
				if got := registers.Mode(binary.BigEndian.Uint16(data)); got != registers.Passive {
					return fmt.Errorf("read back %v", got)
				}
				return nil
			},
		},
		{
			name: "corrupted checksum is delivered and flagged",
			sim:  simulator.Config{CorruptEvery: 1},
			run: func(ctx context.Context, c *client.Client, _ *simulator.Inverter) error {
				res, err := c.Read(ctx, registers.BatterySOCBackup, 1)
				if err != nil {
					return err
				}
				if res.ChecksumOK {
					return errors.New("mismatch not flagged")
				}
				return nil
			},
		},
		{
			name: "dropped request times out and leaves nothing pending",
			sim:  simulator.Config{DropEvery: 1},
			run: func(ctx context.Context, c *client.Client, _ *simulator.Inverter) error {
				_, err := c.ReadRegisters(ctx, registers.RealtimeStart, 10)
				if !errors.Is(err, client.ErrTimeout) {
					return fmt.Errorf("want timeout, got %v", err)
				}
				if n := c.Pending(); n != 0 {
					return fmt.Errorf("%d requests still pending", n)
				}
				return nil
			},
		},
	}

	failed := 0
	for _, st := range steps {
		err := runSelfTestStep(ctx, st, timeout)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL  %s: %v\n", st.name, err)
			continue
		}
		fmt.Fprintf(out, "PASS  %s\n", st.name)
	}

	if failed > 0 {
		return fmt.Errorf("selftest: %d of %d steps failed", failed, len(steps))
	}
	fmt.Fprintf(out, "selftest: all %d steps passed\n", len(steps))
	return nil
}

func runSelfTestStep(ctx context.Context, st selfTestStep, timeout time.Duration) error {
	bus := memory.NewBus()

	sim := st.sim
	sim.SerialNumber = selfTestSerial
	inv := simulator.New(bus, sim)
	inv.LoadDefaults(time.Now())
	if err := inv.Start(); err != nil {
		return err
	}
	defer inv.Close()

	c, err := client.New(bus, client.Config{SerialNumber: selfTestSerial, Timeout: timeout})
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	defer c.Close()

	return st.run(ctx, c, inv)
}
