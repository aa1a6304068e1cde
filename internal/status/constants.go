// internal/status/constants.go
package status

// Layout of the link status block published for the inverter. Slots are
// 16-bit registers; the block is fixed size so consumers can map it once.
const (
	SlotsPerDevice = 20

	SlotHealthCode     = 0
	SlotLastErrorCode  = 1
	SlotSecondsInError = 2

	// Slots between SlotSecondsInError and SlotDeviceNameStart stay zero.

	SlotDeviceNameStart = 11
	SlotDeviceNameSlots = 8
	SlotDeviceNameEnd   = SlotDeviceNameStart + SlotDeviceNameSlots - 1

	// DeviceNameMaxChars is two ASCII bytes per name slot.
	DeviceNameMaxChars = 2 * SlotDeviceNameSlots
)

// Link health codes. HealthUnknown holds until the first poll completes.
const (
	HealthUnknown  uint16 = 0
	HealthOK       uint16 = 1
	HealthError    uint16 = 2
	HealthStale    uint16 = 3
	HealthDisabled uint16 = 4
)

// HealthName returns the lowercase name of a health code.
func HealthName(h uint16) string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthOK:
		return "ok"
	case HealthError:
		return "error"
	case HealthStale:
		return "stale"
	case HealthDisabled:
		return "disabled"
	}
	return "invalid"
}
