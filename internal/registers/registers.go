// Package registers names the SAJ H1 holding registers the bridge knows about
// and converts raw register bytes into values.
package registers

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Well-known registers.
const (
	AppMode                = 0x3247
	GridChargePowerLimit   = 0x3248
	GridFeedPowerLimit     = 0x3249
	BatterySOCBackup       = 0x3271
	BatterySOCHigh         = 0x3273
	BatterySOCLow          = 0x3274
	RealtimeStart          = 0x4000
	BatteryStart           = 0x8E00
	InverterStart          = 0x8F00
	BatteryControllerStart = 0xA000
)

// Block is a contiguous register range polled as one unit.
type Block struct {
	Name     string
	Start    uint16
	Quantity uint16
}

// Known blocks. Only realtime is polled unless configured otherwise.
var (
	Realtime          = Block{Name: "realtime", Start: RealtimeStart, Quantity: 0x100}
	Inverter          = Block{Name: "inverter", Start: InverterStart, Quantity: 0x1E}
	Battery           = Block{Name: "battery", Start: BatteryStart, Quantity: 0x50}
	BatteryController = Block{Name: "battery_controller", Start: BatteryControllerStart, Quantity: 0x24}
	Config            = Block{Name: "config", Start: AppMode, Quantity: 0x2E}
)

var known = map[string]Block{
	Realtime.Name:          Realtime,
	Inverter.Name:          Inverter,
	Battery.Name:           Battery,
	BatteryController.Name: BatteryController,
	Config.Name:            Config,
}

// Lookup returns a known block by name.
func Lookup(name string) (Block, bool) {
	b, ok := known[strings.ToLower(strings.TrimSpace(name))]
	return b, ok
}

// Known returns the names of all known blocks, sorted.
func Known() []string {
	names := make([]string, 0, len(known))
	for n := range known {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ---- APP MODE ----

// Mode is the inverter application mode stored at register AppMode.
type Mode uint16

const (
	SelfUse Mode = iota
	TimeOfUse
	Backup
	Passive
)

var modeNames = [...]string{"SELF_USE", "TIME_OF_USE", "BACKUP", "PASSIVE"}

var ErrUnknownMode = errors.New("registers: unknown app mode")

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", uint16(m))
}

// ParseMode accepts a mode name (case-insensitive) or its numeric value.
func ParseMode(s string) (Mode, error) {
	s = strings.TrimSpace(s)
	for i, n := range modeNames {
		if strings.EqualFold(s, n) {
			return Mode(i), nil
		}
	}
	if v, err := ParseUint16(s); err == nil && int(v) < len(modeNames) {
		return Mode(v), nil
	}
	return 0, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownMode, s, strings.Join(modeNames[:], ", "))
}

// WorkingMode is reported by the realtime block.
type WorkingMode uint16

const (
	Wait WorkingMode = iota + 1
	Normal
	Fault
	Update
)

func (w WorkingMode) String() string {
	switch w {
	case Wait:
		return "WAIT"
	case Normal:
		return "NORMAL"
	case Fault:
		return "FAULT"
	case Update:
		return "UPDATE"
	}
	return fmt.Sprintf("WorkingMode(%d)", uint16(w))
}

// ---- INPUT ----

var ErrInvalidNumber = errors.New("registers: invalid number")

// ParseUint16 accepts decimal or 0x-prefixed hex.
func ParseUint16(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	var (
		v   uint64
		err error
	)
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		v, err = strconv.ParseUint(rest, 16, 16)
	} else {
		v, err = strconv.ParseUint(s, 10, 16)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return uint16(v), nil
}
