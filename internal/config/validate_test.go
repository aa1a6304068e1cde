// internal/config/validate_test.go
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// helper to build a valid config quickly
func base() *Config {
	return &Config{
		MQTT:     MQTTConfig{Broker: "tcp://localhost:1883"},
		Inverter: InverterConfig{SerialNumber: "H1S2TEST0001"},
	}
}

func dataset(id string, addr, qty uint16) DatasetConfig {
	return DatasetConfig{
		ID:    id,
		Reads: []ReadConfig{{Address: addr, Quantity: qty}},
	}
}

func target(endpoint string, unitID uint8, offset uint16) TargetConfig {
	return TargetConfig{Endpoint: endpoint, UnitID: unitID, Offset: offset}
}

func u8(v uint8) *uint8    { return &v }
func u16(v uint16) *uint16 { return &v }

// ---- tests ----

func TestValidate_MinimalConfig(t *testing.T) {
	if err := Validate(base()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	cfg := base()
	cfg.MQTT.Broker = ""
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "broker") {
		t.Fatalf("expected broker error, got %v", err)
	}

	cfg = base()
	cfg.Inverter.SerialNumber = "  "
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "serial_number") {
		t.Fatalf("expected serial error, got %v", err)
	}

	cfg = base()
	cfg.Inverter.SerialNumber = "abc/def"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected topic character error, got nil")
	}
}

func TestValidate_QoSRange(t *testing.T) {
	cfg := base()
	cfg.MQTT.QoS = u8(3)
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected qos error, got nil")
	}
	cfg.MQTT.QoS = u8(0)
	if err := Validate(cfg); err != nil {
		t.Fatalf("qos 0 rejected: %v", err)
	}
}

func TestValidate_Datasets(t *testing.T) {
	cases := []struct {
		name string
		ds   []DatasetConfig
		ok   bool
	}{
		{"block only", []DatasetConfig{{Block: "battery"}}, true},
		{"explicit reads", []DatasetConfig{dataset("custom", 0x3247, 2)}, true},
		{"duplicate id", []DatasetConfig{dataset("a", 0, 1), dataset("a", 10, 1)}, false},
		{"duplicate via block", []DatasetConfig{{Block: "config"}, dataset("config", 0, 1)}, false},
		{"unknown block", []DatasetConfig{{Block: "solar"}}, false},
		{"no id", []DatasetConfig{{Reads: []ReadConfig{{Address: 0, Quantity: 1}}}}, false},
		{"no reads", []DatasetConfig{{ID: "empty"}}, false},
		{"zero quantity", []DatasetConfig{dataset("z", 0x4000, 0)}, false},
		{"wraps register space", []DatasetConfig{dataset("w", 0xFFF0, 0x20)}, false},
		{"ends at top", []DatasetConfig{dataset("top", 0xFFF0, 0x10)}, true},
		{"negative interval", []DatasetConfig{{Block: "realtime", IntervalMs: -1}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			cfg.Datasets = tc.ds
			err := Validate(cfg)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}
}

func TestValidate_NoOverlapDifferentEndpoints(t *testing.T) {
	cfg := base()
	cfg.Datasets = []DatasetConfig{dataset("d1", 0, 10)}
	cfg.Targets = []TargetConfig{target("ep1", 1, 0), target("ep2", 1, 0)}

	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_NoOverlapDifferentUnit(t *testing.T) {
	cfg := base()
	cfg.Datasets = []DatasetConfig{dataset("d1", 0, 10)}
	cfg.Targets = []TargetConfig{target("ep1", 1, 0), target("ep1", 2, 0)}

	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_TouchingRangesAllowed(t *testing.T) {
	cfg := base()
	cfg.Datasets = []DatasetConfig{
		dataset("d1", 0, 10),  // 0-9
		dataset("d2", 10, 10), // 10-19
	}
	cfg.Targets = []TargetConfig{target("ep1", 1, 0)}

	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_OverlapDetected(t *testing.T) {
	cfg := base()
	cfg.Datasets = []DatasetConfig{
		dataset("d1", 0, 10), // 0-9
		dataset("d2", 5, 10), // 5-14 => overlap
	}
	cfg.Targets = []TargetConfig{target("ep1", 1, 0)}

	if err := Validate(cfg); err == nil {
		t.Fatalf("expected overlap error, got nil")
	}
}

func TestValidate_OverlapViaOffsetDetected(t *testing.T) {
	cfg := base()
	cfg.Datasets = []DatasetConfig{dataset("d1", 0, 10)}
	cfg.Targets = []TargetConfig{
		target("ep1", 1, 0), // 0-9
		target("ep1", 1, 5), // 5-14 => overlap
	}

	if err := Validate(cfg); err == nil {
		t.Fatalf("expected overlap error, got nil")
	}
}

func TestValidate_DatasetFilterAvoidsOverlap(t *testing.T) {
	cfg := base()
	cfg.Datasets = []DatasetConfig{dataset("d1", 0, 10), dataset("d2", 5, 10)}
	a := target("ep1", 1, 0)
	a.Datasets = []string{"d1"}
	b := target("ep1", 1, 100)
	b.Datasets = []string{"d2"}
	cfg.Targets = []TargetConfig{a, b}

	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b.Datasets = []string{"nope"}
	cfg.Targets = []TargetConfig{a, b}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected unknown dataset error, got nil")
	}
}

func TestValidate_OffsetPastRegisterSpace(t *testing.T) {
	cfg := base()
	cfg.Datasets = []DatasetConfig{{Block: "battery_controller"}} // 0xA000..0xA023
	cfg.Targets = []TargetConfig{target("ep1", 1, 0x6000)}

	if err := Validate(cfg); err == nil {
		t.Fatalf("expected range error, got nil")
	}
}

func TestValidate_StatusSlot(t *testing.T) {
	cfg := base()
	a := target("ep1", 1, 0)
	a.StatusSlot = u16(0)
	cfg.Targets = []TargetConfig{a}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected missing status_unit_id error, got nil")
	}

	a.StatusUnitID = u8(9)
	b := target("ep1", 2, 0)
	b.StatusSlot = u16(0)
	b.StatusUnitID = u8(9)
	cfg.Targets = []TargetConfig{a, b}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "collision") {
		t.Fatalf("expected status collision, got %v", err)
	}

	b.StatusSlot = u16(1)
	cfg.Targets = []TargetConfig{a, b}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b.DeviceName = "Wechselrichter–1"
	cfg.Targets = []TargetConfig{a, b}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected ASCII error, got nil")
	}
}

func TestNormalize_Defaults(t *testing.T) {
	cfg := base()
	if err := Validate(cfg); err != nil {
		t.Fatal(err)
	}
	Normalize(cfg)

	if cfg.MQTT.QoS == nil || *cfg.MQTT.QoS != 2 {
		t.Fatalf("qos default not applied")
	}
	if cfg.MQTT.ClientID != "sajmqtt-H1S2TEST0001" {
		t.Fatalf("client id = %q", cfg.MQTT.ClientID)
	}
	if cfg.Inverter.TopicPrefix != "saj" || cfg.Inverter.TimeoutMs != 10000 {
		t.Fatalf("inverter defaults = %+v", cfg.Inverter)
	}
	if len(cfg.Datasets) != 1 {
		t.Fatalf("datasets = %+v", cfg.Datasets)
	}
	d := cfg.Datasets[0]
	if d.ID != "realtime" || d.IntervalMs != 60000 || len(d.Reads) != 1 ||
		d.Reads[0].Address != 0x4000 || d.Reads[0].Quantity != 0x100 {
		t.Fatalf("default dataset = %+v", d)
	}
	if cfg.Publish.TopicPrefix != "sajmqtt" {
		t.Fatalf("publish prefix = %q", cfg.Publish.TopicPrefix)
	}
}

func TestNormalize_BlockFoldedIntoReads(t *testing.T) {
	cfg := base()
	cfg.Datasets = []DatasetConfig{{
		Block: "inverter",
		Reads: []ReadConfig{{Address: 0x3247, Quantity: 1}},
	}}
	Normalize(cfg)
	Normalize(cfg)

	d := cfg.Datasets[0]
	if d.ID != "inverter" || d.Block != "" || len(d.Reads) != 2 {
		t.Fatalf("dataset = %+v", d)
	}
	if d.Reads[0].Address != 0x8F00 || d.Reads[0].Quantity != 0x1E {
		t.Fatalf("block read = %+v", d.Reads[0])
	}
}

func TestNormalize_DeviceName(t *testing.T) {
	cfg := base()
	a := target("ep1", 1, 0)
	a.StatusSlot = u16(0)
	a.StatusUnitID = u8(1)
	b := a
	b.DeviceName = "a-very-long-device-name"
	cfg.Targets = []TargetConfig{a, b}
	Normalize(cfg)

	if cfg.Targets[0].DeviceName != "H1S2TEST0001" {
		t.Fatalf("device name default = %q", cfg.Targets[0].DeviceName)
	}
	if cfg.Targets[1].DeviceName != "a-very-long-devi" {
		t.Fatalf("device name truncated = %q", cfg.Targets[1].DeviceName)
	}
	if cfg.Targets[0].TimeoutMs != 2000 {
		t.Fatalf("target timeout = %d", cfg.Targets[0].TimeoutMs)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	doc := `
mqtt:
  broker: tcp://broker:1883
  qos: 1
inverter:
  serial_number: H1S2TEST0001
  mqtt_debug: true
datasets:
  - block: realtime
    interval_ms: 15000
  - id: soc
    reads:
      - { address: 0x3271, quantity: 4 }
targets:
  - endpoint: 127.0.0.1:5020
    unit_id: 3
    offset: 100
    datasets: [soc]
metrics:
  listen: ":9100"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if *cfg.MQTT.QoS != 1 || !cfg.Inverter.MQTTDebug {
		t.Fatalf("mqtt/inverter = %+v %+v", cfg.MQTT, cfg.Inverter)
	}
	if len(cfg.Datasets) != 2 || cfg.Datasets[1].Reads[0].Address != 0x3271 {
		t.Fatalf("datasets = %+v", cfg.Datasets)
	}
	if cfg.Targets[0].Offset != 100 || cfg.Metrics.Listen != ":9100" {
		t.Fatalf("targets/metrics = %+v %+v", cfg.Targets, cfg.Metrics)
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("inverter:\n  serial: x\n")); err == nil {
		t.Fatalf("expected unknown field error, got nil")
	}
	cfg, err := Parse(nil)
	if err != nil || cfg == nil {
		t.Fatalf("empty document: %v", err)
	}
}
