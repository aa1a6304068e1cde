package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout means not every response arrived before the deadline.
	// Callers treat it as "no data this cycle".
	ErrTimeout = errors.New("client: timeout waiting for inverter response")

	// ErrTransport means the publish call itself failed. Nothing is left pending.
	ErrTransport = errors.New("client: transport error")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("client: closed")

	ErrInvalidArgument = errors.New("client: invalid argument")
	ErrNoFreeID        = errors.New("client: no free request id")
)

// TimeoutError lists the request ids still unanswered when the deadline passed.
type TimeoutError struct {
	Op      string
	Pending []uint16
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s: unanswered request ids [%s]", ErrTimeout, e.Op, formatIDs(e.Pending, " "))
}

// formatIDs renders request ids as four hex digits each.
func formatIDs(ids []uint16, sep string) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprintf("%04x", id)
	}
	return strings.Join(out, sep)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}
