// internal/writer/types.go
package writer

import (
	"github.com/tamzrod/saj-mqtt-bridge/internal/poller"
	"github.com/tamzrod/saj-mqtt-bridge/internal/status"
)

// TargetEndpoint is one Modbus TCP server receiving replicated registers.
type TargetEndpoint struct {
	Endpoint string
	UnitID   uint8
	Offset   uint16   // added to every source address
	Datasets []string // empty => all
}

func (t TargetEndpoint) replicates(id string) bool {
	if len(t.Datasets) == 0 {
		return true
	}
	for _, d := range t.Datasets {
		if d == id {
			return true
		}
	}
	return false
}

// StatusPlan places one device status block in a target's memory.
type StatusPlan struct {
	Endpoint   string
	UnitID     uint8
	BaseSlot   uint16
	DeviceName string
}

// Plan is the fully-built write plan of the bridge.
type Plan struct {
	Targets []TargetEndpoint
	Status  []StatusPlan
}

// Writer delivers poll snapshots.
type Writer interface {
	Write(res poller.PollResult) error
}

// StatusWriter is the delivery-only contract for device status.
// It receives a snapshot and writes it verbatim.
// No logic, no state, no interpretation.
type StatusWriter interface {
	WriteStatus(s status.Snapshot) error
}
