// internal/writer/writer.go
package writer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tamzrod/saj-mqtt-bridge/internal/poller"
	"github.com/tamzrod/saj-mqtt-bridge/internal/status"
)

// MaxWriteRegisters is the Modbus limit for one write-multiple-registers request.
const MaxWriteRegisters = 123

// endpointClient is the exact contract the writer uses.
// IMPORTANT: There must be NO other version of this interface anywhere.
type endpointClient interface {
	WriteRegisters(unitID uint8, addr uint16, regs []uint16) error
}

type modbusWriter struct {
	plan    Plan
	clients map[string]endpointClient
}

// New returns the Modbus replication writer for plan.
func New(plan Plan, clients map[string]endpointClient) Writer {
	return &modbusWriter{
		plan:    plan,
		clients: clients,
	}
}

func (w *modbusWriter) Write(res poller.PollResult) error {
	// failed cycles deliver nothing; status carries the failure
	if res.Err != nil {
		return nil
	}

	var errs []string

	for _, tgt := range w.plan.Targets {
		if !tgt.replicates(res.DatasetID) {
			continue
		}

		cli := w.clients[tgt.Endpoint]
		if cli == nil {
			errs = append(errs, fmt.Sprintf(
				"writer: missing client for endpoint %s",
				tgt.Endpoint,
			))
			continue
		}

		for _, b := range res.Blocks {
			dstAddr := tgt.Offset + b.Address

			if err := writeChunked(cli, tgt.UnitID, dstAddr, b.Registers); err != nil {
				errs = append(errs, fmt.Sprintf(
					"writer: ep=%s unit=%d addr=%d err=%v",
					tgt.Endpoint, tgt.UnitID, dstAddr, err,
				))
			}
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, " | "))
	}

	return nil
}

// writeChunked splits regs into requests the Modbus PDU can carry.
func writeChunked(cli endpointClient, unitID uint8, addr uint16, regs []uint16) error {
	for len(regs) > 0 {
		n := len(regs)
		if n > MaxWriteRegisters {
			n = MaxWriteRegisters
		}
		if err := cli.WriteRegisters(unitID, addr, regs[:n]); err != nil {
			return err
		}
		addr += uint16(n)
		regs = regs[n:]
	}
	return nil
}

// ---- FAN-OUT ----

type multiWriter []Writer

// Multi delivers every result to all writers and joins their errors.
func Multi(ws ...Writer) Writer {
	var out multiWriter
	for _, w := range ws {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

func (m multiWriter) Write(res poller.PollResult) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type multiStatus []StatusWriter

// MultiStatus delivers every snapshot to all status writers.
func MultiStatus(ws ...StatusWriter) StatusWriter {
	var out multiStatus
	for _, w := range ws {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

func (m multiStatus) WriteStatus(s status.Snapshot) error {
	var errs []error
	for _, w := range m {
		if err := w.WriteStatus(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
