package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tamzrod/saj-mqtt-bridge/internal/api"
	"github.com/tamzrod/saj-mqtt-bridge/internal/config"
	"github.com/tamzrod/saj-mqtt-bridge/internal/registers"
	"github.com/tamzrod/saj-mqtt-bridge/internal/simulator"
	"github.com/tamzrod/saj-mqtt-bridge/internal/status"
	"github.com/tamzrod/saj-mqtt-bridge/internal/testutil/testlog"
	"github.com/tamzrod/saj-mqtt-bridge/internal/transport/memory"
	"github.com/tamzrod/saj-mqtt-bridge/internal/writer"
)

const testConfig = `
mqtt:
  broker: tcp://127.0.0.1:1883
inverter:
  serial_number: SN1
  timeout_ms: 100
datasets:
  - block: realtime
    interval_ms: 3600000
  - id: mode
    reads:
      - address: 12871
        quantity: 1
    interval_ms: 3600000
publish:
  retain: true
`

type harness struct {
	bus         *memory.Bus
	inv         *simulator.Inverter
	bridge      *Bridge
	reconnected chan struct{}
	cancel      context.CancelFunc
	done        chan error
}

func start(t *testing.T, sim simulator.Config) *harness {
	t.Helper()
	testlog.Start(t)

	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	config.Normalize(cfg)

	h := &harness{
		bus:         memory.NewBus(),
		reconnected: make(chan struct{}, 1),
		done:        make(chan error, 1),
	}

	sim.SerialNumber = "SN1"
	h.inv = simulator.New(h.bus, sim)
	h.inv.LoadDefaults(time.Now())
	if err := h.inv.Start(); err != nil {
		t.Fatal(err)
	}

	h.bridge, err = New(Options{
		Config:      cfg,
		PubSub:      h.bus,
		Reconnected: h.reconnected,
		Tick:        10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.bridge.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
	h.done <- nil // later stop calls return at once
}

func (h *harness) availability() []string {
	var out []string
	for _, p := range h.bus.Published(h.bridge.Topics().Availability()) {
		out = append(out, string(p))
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgePublishesDatasetsAndGoesOnline(t *testing.T) {
	h := start(t, simulator.Config{})
	tp := h.bridge.Topics()

	waitFor(t, "realtime state", func() bool { return len(h.bus.Published(tp.Dataset("realtime"))) == 1 })
	waitFor(t, "mode state", func() bool { return len(h.bus.Published(tp.Dataset("mode"))) == 1 })
	waitFor(t, "online", func() bool {
		a := h.availability()
		return len(a) > 0 && a[len(a)-1] == writer.Online
	})

	var doc struct {
		Serial string `json:"serial"`
		Blocks []struct {
			Address   uint16   `json:"address"`
			Registers []uint16 `json:"registers"`
		} `json:"blocks"`
	}
	if err := json.Unmarshal(h.bus.Published(tp.Dataset("mode"))[0], &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Serial != "SN1" || len(doc.Blocks) != 1 || doc.Blocks[0].Address != registers.AppMode {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.Blocks[0].Registers[0] != uint16(registers.SelfUse) {
		t.Fatalf("app mode = %d", doc.Blocks[0].Registers[0])
	}

	st := h.bridge.Status()
	if st.Health != "ok" || st.Serial != "SN1" || len(st.Datasets) != 2 || st.Pending != 0 {
		t.Fatalf("status = %+v", st)
	}

	// a write through the backend shows up on the next refresh
	if _, err := h.bridge.WriteRegister(context.Background(), registers.AppMode, uint16(registers.Backup)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.bridge.Refresh("mode"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "refreshed mode", func() bool { return len(h.bus.Published(tp.Dataset("mode"))) == 2 })
	if err := json.Unmarshal(h.bus.Published(tp.Dataset("mode"))[1], &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Blocks[0].Registers[0] != uint16(registers.Backup) {
		t.Fatalf("app mode after write = %d", doc.Blocks[0].Registers[0])
	}

	if err := h.bridge.Refresh("nope"); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("Refresh(nope) = %v", err)
	}

	h.stop()
	a := h.availability()
	if a[len(a)-1] != writer.Offline {
		t.Fatalf("availability after stop = %q", a)
	}
	if h.bus.Subscribers(h.bridge.Client().Topics().Response) != 0 {
		t.Fatalf("client still subscribed after stop")
	}
}

func TestBridgeReportsTimeouts(t *testing.T) {
	h := start(t, simulator.Config{DropEvery: 1})
	tp := h.bridge.Topics()

	waitFor(t, "error health", func() bool {
		s := h.bridge.Status().Snapshot
		return s.Health == status.HealthError && s.SecondsInError >= 2
	})

	if s := h.bridge.Status().Snapshot; s.LastErrorCode != status.CodeTimeout {
		t.Fatalf("last error code = %d", s.LastErrorCode)
	}
	if n := len(h.bus.Published(tp.Dataset("realtime"))); n != 0 {
		t.Fatalf("failed cycles published %d state documents", n)
	}
	for _, a := range h.availability() {
		if a != writer.Offline {
			t.Fatalf("availability = %q", h.availability())
		}
	}
	for _, d := range h.bridge.Status().Datasets {
		if d.LastError == "" {
			t.Fatalf("dataset %s has no error", d.ID)
		}
	}
}

func TestBridgeReassertsOnReconnect(t *testing.T) {
	h := start(t, simulator.Config{})

	waitFor(t, "online", func() bool {
		a := h.availability()
		return len(a) > 0 && a[len(a)-1] == writer.Online
	})
	before := len(h.availability())

	h.reconnected <- struct{}{}
	waitFor(t, "re-asserted availability", func() bool { return len(h.availability()) == before+1 })
	if a := h.availability(); a[len(a)-1] != writer.Online {
		t.Fatalf("availability = %q", a)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for missing config")
	}

	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	config.Normalize(cfg)
	if _, err := New(Options{Config: cfg}); err == nil {
		t.Fatalf("expected error for missing transport")
	}

	for i := range cfg.Datasets {
		cfg.Datasets[i].Disabled = true
	}
	if _, err := New(Options{Config: cfg, PubSub: memory.NewBus()}); err == nil {
		t.Fatalf("expected error with every dataset disabled")
	}
}
