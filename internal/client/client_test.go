package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/saj-mqtt-bridge/internal/frame"
	"github.com/tamzrod/saj-mqtt-bridge/internal/testutil/testlog"
	"github.com/tamzrod/saj-mqtt-bridge/internal/transport/memory"
)

const testSerial = "H1S2TEST0001"

// inverter answers requests on the bus. Reads return the register address as
// value; writes echo register and value.
type inverter struct {
	t     *testing.T
	bus   *memory.Bus
	topic string

	mu       sync.Mutex
	requests []frame.Request
	held     []frame.Request

	// hold buffers requests instead of answering them.
	hold func(req frame.Request) bool
	// corrupt flips the checksum of every response.
	corrupt bool
	// repeat sends every response this many extra times with altered content.
	repeat int
}

func newInverter(t *testing.T, bus *memory.Bus, c *Client) *inverter {
	t.Helper()
	inv := &inverter{t: t, bus: bus, topic: c.Topics().Response}
	if _, err := bus.Subscribe(c.Topics().Request, 2, inv.onRequest); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return inv
}

func (inv *inverter) onRequest(raw []byte) {
	req, err := frame.DecodeRequest(raw)
	if err != nil {
		inv.t.Errorf("decode request: %v", err)
		return
	}
	inv.mu.Lock()
	inv.requests = append(inv.requests, req)
	if inv.hold != nil && inv.hold(req) {
		inv.held = append(inv.held, req)
		inv.mu.Unlock()
		return
	}
	inv.mu.Unlock()
	inv.answer(req)
}

func (inv *inverter) answer(req frame.Request) {
	var content []byte
	switch req.Function {
	case frame.OpRead:
		content = make([]byte, 2*int(req.Value))
		for i := 0; i < int(req.Value); i++ {
			binary.BigEndian.PutUint16(content[2*i:], req.Register+uint16(i))
		}
	case frame.OpWrite:
		content = make([]byte, 4)
		binary.BigEndian.PutUint16(content[0:], req.Register)
		binary.BigEndian.PutUint16(content[2:], req.Value)
	}
	inv.send(req, content)
	for i := 0; i < inv.repeat; i++ {
		inv.send(req, []byte{0xde, 0xad})
	}
}

func (inv *inverter) send(req frame.Request, content []byte) {
	raw, err := frame.Response{
		ID:        req.ID,
		Timestamp: 1700000000,
		Type:      uint16(req.Function),
		Content:   content,
	}.Encode()
	if err != nil {
		inv.t.Errorf("encode response: %v", err)
		return
	}
	if inv.corrupt {
		raw[len(raw)-1] ^= 0xff
	}
	if err := inv.bus.Publish(inv.topic, 2, false, raw); err != nil {
		inv.t.Errorf("publish response: %v", err)
	}
}

func (inv *inverter) release() {
	inv.mu.Lock()
	held := inv.held
	inv.held = nil
	inv.mu.Unlock()
	for _, req := range held {
		inv.answer(req)
	}
}

func (inv *inverter) seen() []frame.Request {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return append([]frame.Request(nil), inv.requests...)
}

func newTestClient(t *testing.T, bus *memory.Bus, cfg Config) *Client {
	t.Helper()
	testlog.Start(t)

	cfg.SerialNumber = testSerial
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	c, err := New(bus, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSplitChunks(t *testing.T) {
	cases := []struct {
		start, count uint16
		want         []chunk
	}{
		{0x4000, 1, []chunk{{0x4000, 1}}},
		{0x4000, 100, []chunk{{0x4000, 100}}},
		{0x4000, 101, []chunk{{0x4000, 100}, {0x4064, 1}}},
		{0x4000, 250, []chunk{{0x4000, 100}, {0x4064, 100}, {0x40C8, 50}}},
		{0xFFF0, 16, []chunk{{0xFFF0, 16}}},
	}
	for _, tc := range cases {
		got := splitChunks(tc.start, tc.count, 100)
		if len(got) != len(tc.want) {
			t.Fatalf("split(%#x,%d) = %v, want %v", tc.start, tc.count, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("split(%#x,%d)[%d] = %v, want %v", tc.start, tc.count, i, got[i], tc.want[i])
			}
		}
	}
}

func TestReadSplitsAndConcatenates(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{IDs: frame.NewSequence()})
	inv := newInverter(t, bus, c)

	data, err := c.ReadRegisters(context.Background(), 0x4000, 250)
	if err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}

	reqs := inv.seen()
	if len(reqs) != 3 {
		t.Fatalf("published %d requests, want 3", len(reqs))
	}
	want := []chunk{{0x4000, 100}, {0x4064, 100}, {0x40C8, 50}}
	for i, r := range reqs {
		if r.Function != frame.OpRead || r.Register != want[i].start || r.Value != want[i].count {
			t.Fatalf("request %d = fc %#x reg %#x n %d, want %v", i, r.Function, r.Register, r.Value, want[i])
		}
	}

	if len(data) != 500 {
		t.Fatalf("len(data) = %d, want 500", len(data))
	}
	for i := 0; i < 250; i++ {
		if got := binary.BigEndian.Uint16(data[2*i:]); got != 0x4000+uint16(i) {
			t.Fatalf("register %d = %#x, want %#x", i, got, 0x4000+i)
		}
	}
	if n := c.Pending(); n != 0 {
		t.Fatalf("pending after read = %d", n)
	}
}

func TestReadReassemblesOutOfOrder(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{IDs: frame.NewSequence()})
	inv := newInverter(t, bus, c)

	inv.hold = func(frame.Request) bool { return true }
	done := make(chan struct{})
	var (
		data []byte
		err  error
	)
	go func() {
		defer close(done)
		data, err = c.ReadRegisters(context.Background(), 0x4000, 250)
	}()

	waitFor(t, func() bool { return len(inv.seen()) == 3 })

	inv.mu.Lock()
	held := inv.held
	inv.held = nil
	inv.mu.Unlock()
	for i := len(held) - 1; i >= 0; i-- {
		inv.answer(held[i])
	}

	<-done
	if err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}
	if got := binary.BigEndian.Uint16(data[0:]); got != 0x4000 {
		t.Fatalf("first register = %#x", got)
	}
	if got := binary.BigEndian.Uint16(data[498:]); got != 0x40F9 {
		t.Fatalf("last register = %#x", got)
	}
}

func TestReadTimeoutCleansUp(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{Timeout: 50 * time.Millisecond})

	_, err := c.ReadRegisters(context.Background(), 0x4000, 10)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || len(te.Pending) != 1 || te.Op != "read" {
		t.Fatalf("err = %#v, want TimeoutError with one pending id", err)
	}
	if n := c.Pending(); n != 0 {
		t.Fatalf("pending after timeout = %d", n)
	}
}

func TestTimeoutWarningNamesRequestIDs(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{Timeout: 50 * time.Millisecond})
	inv := newInverter(t, bus, c)
	inv.hold = func(r frame.Request) bool { return r.Register != 0x4000 }

	var buf bytes.Buffer
	c.log = zerolog.New(&buf)

	_, err := c.ReadRegisters(context.Background(), 0x4000, 250)
	var te *TimeoutError
	if !errors.As(err, &te) || len(te.Pending) != 2 {
		t.Fatalf("err = %v, want TimeoutError with two ids", err)
	}

	var entry struct {
		Message    string `json:"message"`
		Missing    int    `json:"missing"`
		RequestIDs string `json:"request_ids"`
	}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var e = entry
		if json.Unmarshal(line, &e) == nil && e.Message == "timeout waiting for inverter response" {
			entry = e
		}
	}
	if entry.Missing != 2 {
		t.Fatalf("timeout warning not logged: %s", buf.String())
	}
	if want := formatIDs(te.Pending, ","); entry.RequestIDs != want || len(want) != 9 {
		t.Fatalf("request_ids = %q, want %q", entry.RequestIDs, want)
	}
}

func TestPartialResponsesTimeOut(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{Timeout: 50 * time.Millisecond})
	inv := newInverter(t, bus, c)
	inv.hold = func(r frame.Request) bool { return r.Register != 0x4000 }

	_, err := c.ReadRegisters(context.Background(), 0x4000, 250)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if len(te.Pending) != 2 {
		t.Fatalf("unanswered = %v, want 2 ids", te.Pending)
	}
	if n := c.Pending(); n != 0 {
		t.Fatalf("pending after timeout = %d", n)
	}

	// late answers hit an empty table
	inv.release()
	if n := c.Pending(); n != 0 {
		t.Fatalf("pending after late answers = %d", n)
	}
}

func TestUnknownResponseIgnored(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{})

	raw, err := frame.Response{ID: 0x0BAD, Type: uint16(frame.OpRead), Content: []byte{0, 1}}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	c.HandleMessage(raw)
	c.HandleMessage([]byte{0x00, 0x01})

	if n := c.Pending(); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestDuplicateResponseKeepsFirst(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{})
	inv := newInverter(t, bus, c)
	inv.repeat = 2

	data, err := c.ReadRegisters(context.Background(), 0x3247, 1)
	if err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}
	if got := hex.EncodeToString(data); got != "3247" {
		t.Fatalf("data = %s, want first response 3247", got)
	}
}

func TestChecksumMismatchStillDelivered(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{})
	inv := newInverter(t, bus, c)
	inv.corrupt = true

	res, err := c.Read(context.Background(), 0x4000, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.ChecksumOK {
		t.Fatalf("ChecksumOK = true for corrupted frame")
	}
	if got := hex.EncodeToString(res.Data); got != "40004001" {
		t.Fatalf("data = %s", got)
	}
}

func TestWritePublishesExpectedFrame(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{IDs: frame.NewSequence(0x1234, 0xABCD)})
	newInverter(t, bus, c)

	reply, err := c.WriteRegister(context.Background(), 0x3247, 3)
	if err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	if got := hex.EncodeToString(reply); got != "32470003" {
		t.Fatalf("reply = %s", got)
	}

	sent := bus.Published(c.Topics().Request)
	if len(sent) != 1 {
		t.Fatalf("published %d frames", len(sent))
	}
	if got, want := hex.EncodeToString(sent[0]), "000e123458c9abcd0106324700037766"; got != want {
		t.Fatalf("frame = %s, want %s", got, want)
	}
	for _, m := range bus.Messages() {
		if m.Topic == c.Topics().Request && (m.QoS != 2 || m.Retain) {
			t.Fatalf("request published with qos=%d retain=%v", m.QoS, m.Retain)
		}
	}
}

func TestPublishFailureLeavesNothingPending(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{})
	bus.FailPublish(c.Topics().Request, errors.New("broker down"))

	_, err := c.ReadRegisters(context.Background(), 0x4000, 250)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if n := c.Pending(); n != 0 {
		t.Fatalf("pending = %d", n)
	}

	_, err = c.WriteRegister(context.Background(), 0x3247, 1)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("write err = %v, want ErrTransport", err)
	}
}

func TestWriteDoesNotDisturbInFlightRead(t *testing.T) {
	bus := memory.NewBus()
	// read draws id 7, the write collides on 7 and redraws 8
	c := newTestClient(t, bus, Config{IDs: frame.NewSequence(7, 100, 7, 101, 8, 102)})
	inv := newInverter(t, bus, c)
	inv.hold = func(r frame.Request) bool { return r.Function == frame.OpRead }

	done := make(chan error, 1)
	var data []byte
	go func() {
		var err error
		data, err = c.ReadRegisters(context.Background(), 0x4000, 4)
		done <- err
	}()
	waitFor(t, func() bool { return len(inv.seen()) == 1 })

	res, err := c.Write(context.Background(), 0x3247, 2)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(res.RequestIDs) != 1 || res.RequestIDs[0] != 8 {
		t.Fatalf("write ids = %v, want [8]", res.RequestIDs)
	}
	if n := c.Pending(); n != 1 {
		t.Fatalf("pending during read = %d, want 1", n)
	}

	inv.release()
	if err := <-done; err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}
	if got := hex.EncodeToString(data); got != "4000400140024003" {
		t.Fatalf("data = %s", got)
	}
}

func TestStaleReadEntriesSwept(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{IDs: frame.NewSequence(50)})
	newInverter(t, bus, c)

	past := time.Now().Add(-time.Minute)
	staleRead := newOperation(100, kindRead, past)
	staleWrite := newOperation(101, kindWrite, past)
	c.table.reserve(staleRead, 5)
	c.table.reserve(staleWrite, 6)

	if _, err := c.ReadRegisters(context.Background(), 0x4000, 1); err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}
	if c.table.has(5) {
		t.Fatalf("stale read entry survived")
	}
	if !c.table.has(6) {
		t.Fatalf("write entry swept by a read")
	}
}

func TestContextCancel(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.ReadRegisters(ctx, 0x4000, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("cancel reported as timeout")
	}
	if n := c.Pending(); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestClose(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{Timeout: 5 * time.Second})
	if n := bus.Subscribers(c.Topics().Response); n != 1 {
		t.Fatalf("subscribers = %d", n)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.ReadRegisters(context.Background(), 0x4000, 1)
		done <- err
	}()
	waitFor(t, func() bool { return c.Pending() == 1 })

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("in-flight err = %v, want ErrClosed", err)
	}
	if n := bus.Subscribers(c.Topics().Response); n != 0 {
		t.Fatalf("subscribers after close = %d", n)
	}
	if _, err := c.WriteRegister(context.Background(), 0x3247, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close err = %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after close = %v", err)
	}
}

func TestInvalidArguments(t *testing.T) {
	bus := memory.NewBus()
	c := newTestClient(t, bus, Config{})

	if _, err := c.ReadRegisters(context.Background(), 0x4000, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("count 0: %v", err)
	}
	if _, err := c.ReadRegisters(context.Background(), 0xFFFF, 2); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("overflow: %v", err)
	}
	if _, err := New(bus, Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("missing serial: %v", err)
	}
	three := byte(3)
	if _, err := New(bus, Config{SerialNumber: "x", QoS: &three}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("qos 3: %v", err)
	}
}

func TestRequestQoS(t *testing.T) {
	zero := byte(0)
	cases := []struct {
		name string
		qos  *byte
		want byte
	}{
		{"unset uses default", nil, DefaultQoS},
		{"explicit zero", &zero, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := memory.NewBus()
			c := newTestClient(t, bus, Config{QoS: tc.qos, Timeout: 20 * time.Millisecond})

			_, _ = c.WriteRegister(context.Background(), 0x3247, 3)

			sent := 0
			for _, m := range bus.Messages() {
				if m.Topic != c.Topics().Request {
					continue
				}
				sent++
				if m.QoS != tc.want {
					t.Fatalf("request qos = %d, want %d", m.QoS, tc.want)
				}
			}
			if sent != 1 {
				t.Fatalf("requests = %d", sent)
			}
		})
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
