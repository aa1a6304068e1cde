// Package memory is an in-process transport.PubSub.
// Used by tests, the simulator and the selftest command.
package memory

import (
	"sync"

	"github.com/tamzrod/saj-mqtt-bridge/internal/transport"
)

// Message is one recorded publish.
type Message struct {
	Topic   string
	QoS     byte
	Retain  bool
	Payload []byte
}

// Bus delivers every publish synchronously, on the publisher's goroutine,
// to all handlers subscribed to the exact topic.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]map[int]transport.Handler
	nextID    int
	published []Message
	failures  map[string]error
}

func NewBus() *Bus {
	return &Bus{
		subs:     make(map[string]map[int]transport.Handler),
		failures: make(map[string]error),
	}
}

// FailPublish makes every publish to topic return err. A nil err clears it.
func (b *Bus) FailPublish(topic string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, topic)
		return
	}
	b.failures[topic] = err
}

// Published returns the payloads published to topic, in order.
func (b *Bus) Published(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m.Payload)
		}
	}
	return out
}

// Messages returns every recorded publish.
func (b *Bus) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}

// Subscribers reports how many handlers listen on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// ---- transport.PubSub ----

func (b *Bus) Publish(topic string, qos byte, retain bool, payload []byte) error {
	b.mu.Lock()
	if err := b.failures[topic]; err != nil {
		b.mu.Unlock()
		return err
	}
	p := append([]byte(nil), payload...)
	b.published = append(b.published, Message{Topic: topic, QoS: qos, Retain: retain, Payload: p})

	handlers := make([]transport.Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(append([]byte(nil), p...))
	}
	return nil
}

func (b *Bus) Subscribe(topic string, _ byte, h transport.Handler) (transport.Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]transport.Handler)
	}
	b.subs[topic][id] = h

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
		return nil
	}, nil
}
