// internal/config/config.go
package config

import "github.com/tamzrod/saj-mqtt-bridge/internal/registers"

type Config struct {
	MQTT     MQTTConfig      `yaml:"mqtt"`
	Inverter InverterConfig  `yaml:"inverter"`
	Datasets []DatasetConfig `yaml:"datasets"`
	Publish  PublishConfig   `yaml:"publish"`
	Targets  []TargetConfig  `yaml:"targets"`
	Metrics  ListenConfig    `yaml:"metrics"`
	API      ListenConfig    `yaml:"api"`
}

// ---- BROKER ----

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// QoS of request publishes and the response subscription. nil => 2.
	QoS *uint8 `yaml:"qos"`

	KeepAliveMs      int `yaml:"keepalive_ms"`
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
}

// ---- INVERTER ----

type InverterConfig struct {
	SerialNumber string `yaml:"serial_number"`
	TopicPrefix  string `yaml:"topic_prefix"`
	TimeoutMs    int    `yaml:"timeout_ms"`

	// Log every frame sent and received.
	MQTTDebug bool `yaml:"mqtt_debug"`
}

// ---- DATASETS ----

// DatasetConfig is one group of register ranges polled together.
// Block names a known range (realtime, inverter, battery, ...); Reads lists
// explicit ranges. Either may be used, both are concatenated.
type DatasetConfig struct {
	ID         string       `yaml:"id"`
	Block      string       `yaml:"block"`
	Reads      []ReadConfig `yaml:"reads"`
	IntervalMs int          `yaml:"interval_ms"`
	Disabled   bool         `yaml:"disabled"`
}

type ReadConfig struct {
	Address  uint16 `yaml:"address"`
	Quantity uint16 `yaml:"quantity"`
}

// EffectiveID is ID, or the block name when ID is empty.
func (d DatasetConfig) EffectiveID() string {
	if d.ID != "" {
		return d.ID
	}
	return d.Block
}

// EffectiveReads is the block range (if any) followed by Reads.
// Unknown blocks contribute nothing; Validate reports them.
func (d DatasetConfig) EffectiveReads() []ReadConfig {
	var out []ReadConfig
	if d.Block != "" {
		if b, ok := registers.Lookup(d.Block); ok {
			out = append(out, ReadConfig{Address: b.Start, Quantity: b.Quantity})
		}
	}
	return append(out, d.Reads...)
}

// ---- PUBLISH ----

// PublishConfig controls the state topics, <topic_prefix>/<serial>/<dataset>.
type PublishConfig struct {
	TopicPrefix string `yaml:"topic_prefix"`
	Retain      bool   `yaml:"retain"`
	Disabled    bool   `yaml:"disabled"`
}

// ---- TARGET ----

// TargetConfig is a Modbus TCP server receiving a copy of the polled registers.
type TargetConfig struct {
	Endpoint  string `yaml:"endpoint"`
	UnitID    uint8  `yaml:"unit_id"`
	Offset    uint16 `yaml:"offset"` // added to every source address
	TimeoutMs int    `yaml:"timeout_ms"`

	// Datasets restricts replication to these dataset ids. Empty means all.
	Datasets []string `yaml:"datasets"`

	// Device status block (optional, opt-in)
	StatusUnitID *uint8  `yaml:"status_unit_id"`
	StatusSlot   *uint16 `yaml:"status_slot"`
	DeviceName   string  `yaml:"device_name"`
}

// Replicates reports whether the target takes dataset id.
func (t TargetConfig) Replicates(id string) bool {
	if len(t.Datasets) == 0 {
		return true
	}
	for _, d := range t.Datasets {
		if d == id {
			return true
		}
	}
	return false
}

type ListenConfig struct {
	Listen string `yaml:"listen"`
}
