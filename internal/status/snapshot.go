// internal/status/snapshot.go
package status

// Snapshot is the link health of one inverter as delivered to status writers.
// It carries no history beyond the current state.
type Snapshot struct {
	Health         uint16 `json:"health"`
	LastErrorCode  uint16 `json:"last_error_code"`
	SecondsInError uint16 `json:"seconds_in_error"`
}

// Registers lays the snapshot out as a full status block. Only the live
// slots are set; callers fill the device name.
func (s Snapshot) Registers() []uint16 {
	regs := make([]uint16, SlotsPerDevice)
	regs[SlotHealthCode] = s.Health
	regs[SlotLastErrorCode] = s.LastErrorCode
	regs[SlotSecondsInError] = s.SecondsInError
	return regs
}
