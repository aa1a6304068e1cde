package registers

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tamzrod/saj-mqtt-bridge/internal/frame"
)

var (
	ErrBadFormat = errors.New("registers: invalid value format")
	ErrShortData = errors.New("registers: not enough data for format")
)

// formats maps a big-endian struct-style code to its width in bytes.
var formats = map[byte]int{
	'b': 1, 'B': 1, '?': 1,
	'h': 2, 'H': 2,
	'i': 4, 'I': 4, 'l': 4, 'L': 4, 'f': 4,
	'q': 8, 'Q': 8, 'd': 8,
}

// ValidateFormat checks a value format such as ">H" or ">i".
// Only big-endian single values are supported.
func ValidateFormat(format string) error {
	_, err := parseFormat(format)
	return err
}

func parseFormat(format string) (byte, error) {
	format = strings.TrimSpace(format)
	if len(format) != 2 || format[0] != '>' {
		return 0, fmt.Errorf("%w: %q (want '>' followed by one type code)", ErrBadFormat, format)
	}
	if _, ok := formats[format[1]]; !ok {
		return 0, fmt.Errorf("%w: %q: unknown type code %q", ErrBadFormat, format, format[1])
	}
	return format[1], nil
}

// Unpack decodes the value at the start of data according to format and
// renders it as text.
func Unpack(format string, data []byte) (string, error) {
	code, err := parseFormat(format)
	if err != nil {
		return "", err
	}
	if need := formats[code]; len(data) < need {
		return "", fmt.Errorf("%w: %q needs %d bytes, have %d", ErrShortData, format, need, len(data))
	}

	switch code {
	case 'b':
		return strconv.FormatInt(int64(int8(data[0])), 10), nil
	case 'B':
		return strconv.FormatUint(uint64(data[0]), 10), nil
	case '?':
		if data[0] != 0 {
			return "True", nil
		}
		return "False", nil
	case 'h':
		return strconv.FormatInt(int64(int16(binary.BigEndian.Uint16(data))), 10), nil
	case 'H':
		return strconv.FormatUint(uint64(binary.BigEndian.Uint16(data)), 10), nil
	case 'i', 'l':
		return strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(data))), 10), nil
	case 'I', 'L':
		return strconv.FormatUint(uint64(binary.BigEndian.Uint32(data)), 10), nil
	case 'q':
		return strconv.FormatInt(int64(binary.BigEndian.Uint64(data)), 10), nil
	case 'Q':
		return strconv.FormatUint(binary.BigEndian.Uint64(data), 10), nil
	case 'f':
		return formatFloat(float64(math.Float32frombits(binary.BigEndian.Uint32(data)))), nil
	default: // 'd'
		return formatFloat(math.Float64frombits(binary.BigEndian.Uint64(data))), nil
	}
}

// formatFloat renders the shortest round-tripping form, always with a
// fractional part or exponent ("3.0", "1e-05").
func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	abs := math.Abs(v)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Hex renders register bytes the way read_register reports them ("00:1a:ff").
func Hex(b []byte) string {
	return frame.FormatHex(b)
}

// Words splits register bytes into big-endian 16-bit values.
// A trailing odd byte is ignored.
func Words(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return out
}
