// internal/poller/types.go
package poller

import "time"

// ReadBlock describes one holding register range.
// Geometry only: no semantics.
type ReadBlock struct {
	Address  uint16
	Quantity uint16
}

// BlockResult is the raw result of a single read.
type BlockResult struct {
	Address  uint16
	Quantity uint16

	// Raw is the register bytes as received, two per register, big-endian.
	Raw       []byte
	Registers []uint16

	// ChecksumOK is false if any frame behind the block failed its CRC.
	// The data is still delivered.
	ChecksumOK bool
}

// PollResult is a snapshot produced by one poll cycle.
type PollResult struct {
	DatasetID string
	At        time.Time

	Blocks []BlockResult
	Err    error // non-nil means the poll cycle failed
}
