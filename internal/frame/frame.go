package frame

// SAJ data_transmission envelope.
//
// Request (published on .../data_transmission):
//   LEN(2) REQ_ID(2) 0x58 0xC9 NONCE(2) | DEV(1) FC(1) P1(2) P2(2) | CRC(2)
//   LEN counts every byte after itself. CRC covers DEV..P2.
//
// Response (received on .../data_transmission_rsp):
//   LEN(2) REQ_ID(2) TS(4) TYPE(2) | SIZE(1) CONTENT(SIZE) | CRC(2)
//   TYPE is the request function code + 0x100. CRC covers TYPE..CONTENT
//   (offset 0x8 up to 0xB+SIZE).
//
// All fields are big-endian.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goburrow/modbus"
)

// ---- PROTOCOL CONSTANTS ----

const (
	// DeviceAddress is the fixed Modbus address of the inverter behind the cloud module.
	DeviceAddress byte = 0x01

	// OpRead reads holding registers.
	OpRead byte = modbus.FuncCodeReadHoldingRegisters
	// OpWrite writes a single register.
	OpWrite byte = modbus.FuncCodeWriteSingleRegister

	// MaxRegistersPerRequest bounds one read chunk. The inverter accepts up to
	// 123 (0x7b) per packet but is only reliable up to 100.
	MaxRegistersPerRequest uint16 = 0x64

	// ResponseTypeOffset is added by the inverter to the request function code.
	ResponseTypeOffset uint16 = 0x100

	marker0 byte = 0x58
	marker1 byte = 0xC9
)

// ---- GEOMETRY ----

const (
	lengthPrefixLen = 2

	// request
	reqContentOffset = 8
	reqContentLen    = 6
	// RequestLen is the full size of an encoded request frame.
	RequestLen = reqContentOffset + reqContentLen + 2

	// response
	respIDOffset        = 0x2
	respTimestampOffset = 0x4
	respTypeOffset      = 0x8
	respSizeOffset      = 0xA
	respContentOffset   = 0xB
	// MinResponseLen is a response frame with zero content bytes.
	MinResponseLen = respContentOffset + 2

	maxContentLen = 0xFF
)

var (
	// ErrDecode is the root of every inbound parse failure.
	ErrDecode = errors.New("frame: decode error")

	ErrShortFrame      = fmt.Errorf("%w: shorter than fixed header", ErrDecode)
	ErrTruncated       = fmt.Errorf("%w: shorter than declared size", ErrDecode)
	ErrBadMarker       = fmt.Errorf("%w: bad request marker", ErrDecode)
	ErrContentTooLarge = errors.New("frame: content exceeds 255 bytes")
)

// ---- REQUEST ----

// Request is one outbound register operation.
type Request struct {
	ID       uint16
	Nonce    uint16
	Device   byte
	Function byte
	Register uint16
	// Value is the register count for reads and the new value for writes.
	Value uint16

	// Set by DecodeRequest only.
	Checksum   uint16
	ChecksumOK bool
}

// EncodeRead builds a read-holding-registers frame for count registers at start.
// It returns the wire bytes and the request id drawn from src.
func EncodeRead(src IDSource, start, count uint16) ([]byte, uint16) {
	req := newRequest(src, OpRead, start, count)
	return req.Encode(), req.ID
}

// EncodeWrite builds a write-single-register frame.
func EncodeWrite(src IDSource, register, value uint16) ([]byte, uint16) {
	req := newRequest(src, OpWrite, register, value)
	return req.Encode(), req.ID
}

func newRequest(src IDSource, fc byte, register, value uint16) Request {
	id := src.Uint16()
	nonce := src.Uint16()
	return Request{
		ID:       id,
		Nonce:    nonce,
		Device:   DeviceAddress,
		Function: fc,
		Register: register,
		Value:    value,
	}
}

// Content returns the Modbus part of the request (device address through value).
func (r Request) Content() []byte {
	c := make([]byte, reqContentLen)
	c[0] = r.Device
	c[1] = r.Function
	binary.BigEndian.PutUint16(c[2:4], r.Register)
	binary.BigEndian.PutUint16(c[4:6], r.Value)
	return c
}

// Encode serializes the request, computing length prefix and checksum.
func (r Request) Encode() []byte {
	buf := make([]byte, RequestLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(RequestLen-lengthPrefixLen))
	binary.BigEndian.PutUint16(buf[2:4], r.ID)
	buf[4] = marker0
	buf[5] = marker1
	binary.BigEndian.PutUint16(buf[6:8], r.Nonce)

	content := r.Content()
	copy(buf[reqContentOffset:], content)
	binary.BigEndian.PutUint16(buf[reqContentOffset+reqContentLen:], CRC16(content))
	return buf
}

// DecodeRequest parses an outbound frame. The inverter side (simulator) uses it.
func DecodeRequest(raw []byte) (Request, error) {
	if len(raw) < RequestLen {
		return Request{}, fmt.Errorf("%w: got %d bytes, need %d", ErrShortFrame, len(raw), RequestLen)
	}
	if raw[4] != marker0 || raw[5] != marker1 {
		return Request{}, fmt.Errorf("%w: 0x%02x 0x%02x", ErrBadMarker, raw[4], raw[5])
	}

	content := raw[reqContentOffset : reqContentOffset+reqContentLen]
	sum := binary.BigEndian.Uint16(raw[reqContentOffset+reqContentLen:])

	return Request{
		ID:         binary.BigEndian.Uint16(raw[2:4]),
		Nonce:      binary.BigEndian.Uint16(raw[6:8]),
		Device:     content[0],
		Function:   content[1],
		Register:   binary.BigEndian.Uint16(content[2:4]),
		Value:      binary.BigEndian.Uint16(content[4:6]),
		Checksum:   sum,
		ChecksumOK: sum == CRC16(content),
	}, nil
}

// ---- RESPONSE ----

// Response is one inbound frame.
type Response struct {
	Length    uint16
	ID        uint16
	Timestamp uint32
	// Type is the function code of the request this answers (wire value - 0x100).
	Type    uint16
	Size    uint8
	Content []byte

	Checksum   uint16
	ChecksumOK bool
}

// Time returns the inverter timestamp.
func (r Response) Time() time.Time {
	return time.Unix(int64(r.Timestamp), 0)
}

// DecodeResponse parses a data_transmission_rsp payload.
// A checksum mismatch is reported through ChecksumOK, not as an error.
func DecodeResponse(raw []byte) (Response, error) {
	if len(raw) < respContentOffset {
		return Response{}, fmt.Errorf("%w: got %d bytes, need %d", ErrShortFrame, len(raw), respContentOffset)
	}

	size := raw[respSizeOffset]
	end := respContentOffset + int(size)
	if len(raw) < end+2 {
		return Response{}, fmt.Errorf("%w: size=%d got %d bytes, need %d", ErrTruncated, size, len(raw), end+2)
	}

	content := make([]byte, size)
	copy(content, raw[respContentOffset:end])

	sum := binary.BigEndian.Uint16(raw[end : end+2])

	return Response{
		Length:     binary.BigEndian.Uint16(raw[0:2]),
		ID:         binary.BigEndian.Uint16(raw[respIDOffset:]),
		Timestamp:  binary.BigEndian.Uint32(raw[respTimestampOffset:]),
		Type:       binary.BigEndian.Uint16(raw[respTypeOffset:]) - ResponseTypeOffset,
		Size:       size,
		Content:    content,
		Checksum:   sum,
		ChecksumOK: sum == CRC16(raw[respTypeOffset:end]),
	}, nil
}

// Encode serializes a response, filling Length, Size and Checksum from Content.
func (r Response) Encode() ([]byte, error) {
	if len(r.Content) > maxContentLen {
		return nil, fmt.Errorf("%w: %d", ErrContentTooLarge, len(r.Content))
	}

	end := respContentOffset + len(r.Content)
	buf := make([]byte, end+2)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(buf)-lengthPrefixLen))
	binary.BigEndian.PutUint16(buf[respIDOffset:], r.ID)
	binary.BigEndian.PutUint32(buf[respTimestampOffset:], r.Timestamp)
	binary.BigEndian.PutUint16(buf[respTypeOffset:], r.Type+ResponseTypeOffset)
	buf[respSizeOffset] = byte(len(r.Content))
	copy(buf[respContentOffset:], r.Content)
	binary.BigEndian.PutUint16(buf[end:], CRC16(buf[respTypeOffset:end]))
	return buf, nil
}

// FormatHex renders bytes as colon-separated hex pairs ("00:1a:ff").
func FormatHex(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02x", v)
	}
	return sb.String()
}
