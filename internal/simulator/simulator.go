// Package simulator emulates an SAJ H1 inverter behind the cloud topics.
// It answers read and write frames from an in-memory register map, and can
// duplicate, reorder, drop or corrupt its answers to exercise the client.
package simulator

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tamzrod/saj-mqtt-bridge/internal/frame"
	"github.com/tamzrod/saj-mqtt-bridge/internal/registers"
	"github.com/tamzrod/saj-mqtt-bridge/internal/transport"
)

// MaxReadRegisters is the most the inverter answers in one frame.
const MaxReadRegisters = 0x7B

type Config struct {
	SerialNumber string
	TopicPrefix  string
	QoS          byte

	// Delay answers asynchronously after this long. Zero answers inline.
	Delay time.Duration

	// Duplicate sends every answer twice.
	Duplicate bool

	// ReorderWindow holds answers until this many are queued, then sends
	// them newest first. Values below 2 disable reordering.
	ReorderWindow int

	// DropEvery silently ignores every n-th request.
	DropEvery int

	// CorruptEvery flips the checksum of every n-th answer.
	CorruptEvery int

	// Clock stamps answers. Nil means time.Now.
	Clock func() time.Time
}

// Inverter is the emulated device.
type Inverter struct {
	cfg    Config
	ps     transport.PubSub
	topics transport.Topics
	log    zerolog.Logger

	mu       sync.Mutex
	regs     [0x10000]uint16
	held     [][]byte
	requests int
	answered int
	unsub    transport.Unsubscribe
}

func New(ps transport.PubSub, cfg Config) *Inverter {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Inverter{
		cfg:    cfg,
		ps:     ps,
		topics: transport.TopicsFor(cfg.TopicPrefix, cfg.SerialNumber),
		log: log.With().
			Str("component", "simulator").
			Str("serial", cfg.SerialNumber).
			Logger(),
	}
}

// Start subscribes to the request topic.
func (s *Inverter) Start() error {
	unsub, err := s.ps.Subscribe(s.topics.Request, s.cfg.QoS, s.handle)
	if err != nil {
		return fmt.Errorf("simulator: subscribe %s: %w", s.topics.Request, err)
	}
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()
	s.log.Info().Str("topic", s.topics.Request).Msg("inverter simulator listening")
	return nil
}

func (s *Inverter) Close() error {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub == nil {
		return nil
	}
	return unsub()
}

func (s *Inverter) Topics() transport.Topics { return s.topics }

// ---- REGISTER MAP ----

// Set stores consecutive register values starting at addr.
func (s *Inverter) Set(addr uint16, vals ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range vals {
		s.regs[uint16(int(addr)+i)] = v
	}
}

// Get returns n register values starting at addr.
func (s *Inverter) Get(addr uint16, n int) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, n)
	for i := range out {
		out[i] = s.regs[uint16(int(addr)+i)]
	}
	return out
}

// LoadDefaults fills the map with plausible values for a running H1 inverter.
func (s *Inverter) LoadDefaults(now time.Time) {
	rt := uint16(registers.RealtimeStart)

	s.Set(rt,
		uint16(now.Year()),
		uint16(now.Month())<<8|uint16(now.Day()),
		uint16(now.Hour())<<8|uint16(now.Minute()),
		uint16(now.Second())<<8,
		uint16(registers.Normal),
	)
	s.Set(rt+0x10, 412)         // heatsink 41.2 C
	s.Set(rt+0x31, 2301)        // grid 230.1 V
	s.Set(rt+0x33, 5000)        // grid 50.00 Hz
	s.Set(rt+0x35, uint16(240)) // grid power, importing
	s.Set(rt+0x69, 2489)        // battery 248.9 V
	s.Set(rt+0x6D, 1500)        // battery power
	s.Set(rt+0x6F, 8750)        // soc 87.50 %
	s.Set(rt+0xA0, 1750)        // system load

	// pv1 and pv2: voltage, current, power
	s.Set(rt+0x71, 3805, 412, 1568, 3790, 398, 1508)

	s.Set(registers.AppMode, uint16(registers.SelfUse))
	s.Set(registers.GridChargePowerLimit, 0)
	s.Set(registers.GridFeedPowerLimit, 1000)
	s.Set(registers.BatterySOCBackup, 20)
	s.Set(registers.BatterySOCHigh, 100)
	s.Set(registers.BatterySOCLow, 10)

	for i := uint16(0); i < registers.Inverter.Quantity; i++ {
		s.Set(registers.InverterStart+i, 0x4831+i) // "H1" model block
	}
}

// Stats reports how many requests were seen and answered.
func (s *Inverter) Stats() (requests, answered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests, s.answered
}

// ---- FRAMES ----

func (s *Inverter) handle(raw []byte) {
	req, err := frame.DecodeRequest(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("ignoring undecodable request")
		return
	}
	if !req.ChecksumOK {
		s.log.Warn().Str("request_id", fmt.Sprintf("%04x", req.ID)).Msg("ignoring request with bad checksum")
		return
	}

	s.mu.Lock()
	s.requests++
	n := s.requests
	s.mu.Unlock()

	if s.cfg.DropEvery > 0 && n%s.cfg.DropEvery == 0 {
		s.log.Debug().Str("request_id", fmt.Sprintf("%04x", req.ID)).Msg("dropping request")
		return
	}

	content, ok := s.execute(req)
	if !ok {
		return
	}

	resp, err := frame.Response{
		ID:        req.ID,
		Timestamp: uint32(s.cfg.Clock().Unix()),
		Type:      uint16(req.Function),
		Content:   content,
	}.Encode()
	if err != nil {
		s.log.Error().Err(err).Msg("encode response")
		return
	}
	if s.cfg.CorruptEvery > 0 && n%s.cfg.CorruptEvery == 0 {
		resp[len(resp)-1] ^= 0xFF
	}

	if s.cfg.Delay > 0 {
		time.AfterFunc(s.cfg.Delay, func() { s.queue(resp) })
		return
	}
	s.queue(resp)
}

func (s *Inverter) execute(req frame.Request) ([]byte, bool) {
	switch req.Function {
	case frame.OpRead:
		if req.Value == 0 || req.Value > MaxReadRegisters {
			s.log.Warn().Uint16("count", req.Value).Msg("ignoring read with invalid count")
			return nil, false
		}
		vals := s.Get(req.Register, int(req.Value))
		out := make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.BigEndian.PutUint16(out[2*i:], v)
		}
		return out, true

	case frame.OpWrite:
		s.Set(req.Register, req.Value)
		s.log.Info().
			Str("register", fmt.Sprintf("0x%04x", req.Register)).
			Uint16("value", req.Value).
			Msg("register written")
		out := make([]byte, 4)
		binary.BigEndian.PutUint16(out[0:], req.Register)
		binary.BigEndian.PutUint16(out[2:], req.Value)
		return out, true
	}

	s.log.Warn().Uint8("function", req.Function).Msg("ignoring unsupported function")
	return nil, false
}

// queue sends resp now, or holds it while a reorder window fills.
func (s *Inverter) queue(resp []byte) {
	if s.cfg.ReorderWindow < 2 {
		s.send(resp)
		return
	}

	s.mu.Lock()
	s.held = append(s.held, resp)
	if len(s.held) < s.cfg.ReorderWindow {
		s.mu.Unlock()
		return
	}
	batch := s.held
	s.held = nil
	s.mu.Unlock()

	for i := len(batch) - 1; i >= 0; i-- {
		s.send(batch[i])
	}
}

// Flush sends any answers held back by the reorder window, newest first.
func (s *Inverter) Flush() {
	s.mu.Lock()
	batch := s.held
	s.held = nil
	s.mu.Unlock()

	for i := len(batch) - 1; i >= 0; i-- {
		s.send(batch[i])
	}
}

func (s *Inverter) send(resp []byte) {
	copies := 1
	if s.cfg.Duplicate {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		if err := s.ps.Publish(s.topics.Response, s.cfg.QoS, false, resp); err != nil {
			s.log.Error().Err(err).Msg("publish response")
			return
		}
	}
	s.mu.Lock()
	s.answered++
	s.mu.Unlock()
}
