// internal/writer/state.go
package writer

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tamzrod/saj-mqtt-bridge/internal/poller"
	"github.com/tamzrod/saj-mqtt-bridge/internal/registers"
	"github.com/tamzrod/saj-mqtt-bridge/internal/status"
	"github.com/tamzrod/saj-mqtt-bridge/internal/transport"
)

// Availability payloads on the status topic.
const (
	Online  = "online"
	Offline = "offline"
)

// StateTopics is the topic layout under <prefix>/<serial>.
type StateTopics struct {
	base string
}

func NewStateTopics(prefix, serial string) StateTopics {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	return StateTopics{base: prefix + "/" + strings.TrimSpace(serial)}
}

// Dataset is where poll results of one dataset are published.
func (t StateTopics) Dataset(id string) string { return t.base + "/" + id }

// Availability carries the retained online/offline flag (and the last will).
func (t StateTopics) Availability() string { return t.base + "/status" }

// Health carries the retained status snapshot.
func (t StateTopics) Health() string { return t.base + "/health" }

// ---- STATE ----

type blockPayload struct {
	Address    uint16   `json:"address"`
	Quantity   uint16   `json:"quantity"`
	Hex        string   `json:"hex"`
	Registers  []uint16 `json:"registers"`
	ChecksumOK bool     `json:"checksum_ok"`
}

type statePayload struct {
	Serial    string         `json:"serial"`
	Dataset   string         `json:"dataset"`
	Timestamp time.Time      `json:"timestamp"`
	Blocks    []blockPayload `json:"blocks"`
}

// StatePublisher publishes every successful poll cycle as one JSON message.
type StatePublisher struct {
	ps     transport.PubSub
	topics StateTopics
	serial string
	qos    byte
	retain bool
}

func NewStatePublisher(ps transport.PubSub, topics StateTopics, serial string, qos byte, retain bool) *StatePublisher {
	return &StatePublisher{ps: ps, topics: topics, serial: serial, qos: qos, retain: retain}
}

func (p *StatePublisher) Write(res poller.PollResult) error {
	if res.Err != nil {
		return nil
	}

	payload := statePayload{
		Serial:    p.serial,
		Dataset:   res.DatasetID,
		Timestamp: res.At.UTC(),
		Blocks:    make([]blockPayload, 0, len(res.Blocks)),
	}
	for _, b := range res.Blocks {
		payload.Blocks = append(payload.Blocks, blockPayload{
			Address:    b.Address,
			Quantity:   b.Quantity,
			Hex:        registers.Hex(b.Raw),
			Registers:  b.Registers,
			ChecksumOK: b.ChecksumOK,
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("state publisher: encode %s: %w", res.DatasetID, err)
	}

	topic := p.topics.Dataset(res.DatasetID)
	if err := p.ps.Publish(topic, p.qos, p.retain, raw); err != nil {
		return fmt.Errorf("state publisher: publish %s: %w", topic, err)
	}
	return nil
}

// ---- STATUS ----

type healthPayload struct {
	Health         string `json:"health"`
	HealthCode     uint16 `json:"health_code"`
	LastErrorCode  uint16 `json:"last_error_code"`
	SecondsInError uint16 `json:"seconds_in_error"`
}

// StatusPublisher mirrors the status snapshot onto MQTT: the retained health
// document on every change, and online/offline whenever the inverter starts
// or stops answering.
type StatusPublisher struct {
	ps     transport.PubSub
	topics StateTopics

	mu       sync.Mutex
	needFull bool
	last     status.Snapshot
}

func NewStatusPublisher(ps transport.PubSub, topics StateTopics) *StatusPublisher {
	return &StatusPublisher{ps: ps, topics: topics, needFull: true}
}

// Reassert forces a full republish on the next WriteStatus, e.g. after a
// broker reconnect.
func (p *StatusPublisher) Reassert() {
	p.mu.Lock()
	p.needFull = true
	p.mu.Unlock()
}

func (p *StatusPublisher) WriteStatus(s status.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	full := p.needFull
	if !full && p.last == s {
		return nil
	}

	if full || online(p.last) != online(s) {
		if err := p.ps.Publish(p.topics.Availability(), 1, true, []byte(availability(s))); err != nil {
			p.needFull = true
			return fmt.Errorf("status publisher: availability: %w", err)
		}
	}

	raw, err := json.Marshal(healthPayload{
		Health:         status.HealthName(s.Health),
		HealthCode:     s.Health,
		LastErrorCode:  s.LastErrorCode,
		SecondsInError: s.SecondsInError,
	})
	if err != nil {
		return fmt.Errorf("status publisher: encode: %w", err)
	}
	if err := p.ps.Publish(p.topics.Health(), 1, true, raw); err != nil {
		p.needFull = true
		return fmt.Errorf("status publisher: health: %w", err)
	}

	p.needFull = false
	p.last = s
	return nil
}

func online(s status.Snapshot) bool { return s.Health == status.HealthOK }

func availability(s status.Snapshot) string {
	if online(s) {
		return Online
	}
	return Offline
}
