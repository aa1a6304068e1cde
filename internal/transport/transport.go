// Package transport defines the publish/subscribe boundary the inverter
// client talks through, and the topic layout of the SAJ cloud protocol.
package transport

import (
	"errors"
	"fmt"
	"strings"
)

// Handler receives the raw payload of one inbound message.
// It is called from the transport's delivery goroutine and must not block.
type Handler func(payload []byte)

// Unsubscribe detaches a handler registered through Subscribe.
type Unsubscribe func() error

// PubSub is the contract consumed from the broker side.
// Delivery is assumed at-least-once and unordered.
type PubSub interface {
	Publish(topic string, qos byte, retain bool, payload []byte) error
	Subscribe(topic string, qos byte, h Handler) (Unsubscribe, error)
}

// ErrNotConnected is returned by implementations that have lost their broker.
var ErrNotConnected = errors.New("transport: not connected")

// ---- TOPICS ----

const (
	DefaultTopicPrefix = "saj"

	DataTransmission    = "data_transmission"
	DataTransmissionRsp = "data_transmission_rsp"
)

// Topics is the per-device topic pair.
type Topics struct {
	Request  string
	Response string
}

// TopicsFor builds the topic pair for one inverter serial number.
func TopicsFor(prefix, serial string) Topics {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	base := fmt.Sprintf("%s/%s", prefix, strings.TrimSpace(serial))
	return Topics{
		Request:  base + "/" + DataTransmission,
		Response: base + "/" + DataTransmissionRsp,
	}
}
