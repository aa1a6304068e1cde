// internal/status/codes.go
package status

import (
	"context"
	"errors"

	"github.com/tamzrod/saj-mqtt-bridge/internal/client"
	"github.com/tamzrod/saj-mqtt-bridge/internal/frame"
)

// Last error codes written to SlotLastErrorCode.
const (
	CodeNone      uint16 = 0
	CodeGeneric   uint16 = 1
	CodeTimeout   uint16 = 2
	CodeTransport uint16 = 3
	CodeClosed    uint16 = 4
	CodeDecode    uint16 = 5
	CodeCanceled  uint16 = 6
)

// ErrorCode maps an error to a stable uint16 code.
// Errors exposing their own code (Code, ErrorCode or ModbusCode) pass it through.
// Anything unrecognised is CodeGeneric.
func ErrorCode(err error) uint16 {
	if err == nil {
		return CodeNone
	}

	switch {
	case errors.Is(err, client.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, client.ErrTransport):
		return CodeTransport
	case errors.Is(err, client.ErrClosed):
		return CodeClosed
	case errors.Is(err, frame.ErrDecode):
		return CodeDecode
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}

	type coderA interface{ Code() uint16 }
	type coderB interface{ ErrorCode() uint16 }
	type coderC interface{ ModbusCode() uint16 }

	var a coderA
	if errors.As(err, &a) {
		return a.Code()
	}
	var b coderB
	if errors.As(err, &b) {
		return b.ErrorCode()
	}
	var c coderC
	if errors.As(err, &c) {
		return c.ModbusCode()
	}

	return CodeGeneric
}
