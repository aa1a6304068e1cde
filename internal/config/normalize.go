// internal/config/normalize.go
package config

import (
	"strings"

	"github.com/tamzrod/saj-mqtt-bridge/internal/registers"
)

// Defaults.
const (
	DefaultQoS              uint8 = 2
	DefaultKeepAliveMs            = 30000
	DefaultConnectTimeoutMs       = 10000
	DefaultTopicPrefix            = "saj"
	DefaultPublishPrefix          = "sajmqtt"
	DefaultTimeoutMs              = 10000
	DefaultIntervalMs             = 60000
	DefaultTargetTimeoutMs        = 2000

	deviceNameMaxChars = 16
)

// DefaultDataset is polled when no datasets are configured.
func DefaultDataset() DatasetConfig {
	return DatasetConfig{
		ID:         registers.Realtime.Name,
		Block:      registers.Realtime.Name,
		IntervalMs: DefaultIntervalMs,
	}
}

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Inverter.SerialNumber = strings.TrimSpace(cfg.Inverter.SerialNumber)

	// ---- broker ----
	if cfg.MQTT.QoS == nil {
		q := DefaultQoS
		cfg.MQTT.QoS = &q
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "sajmqtt-" + cfg.Inverter.SerialNumber
	}
	if cfg.MQTT.KeepAliveMs == 0 {
		cfg.MQTT.KeepAliveMs = DefaultKeepAliveMs
	}
	if cfg.MQTT.ConnectTimeoutMs == 0 {
		cfg.MQTT.ConnectTimeoutMs = DefaultConnectTimeoutMs
	}

	// ---- inverter ----
	if strings.Trim(cfg.Inverter.TopicPrefix, "/ ") == "" {
		cfg.Inverter.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Inverter.TimeoutMs == 0 {
		cfg.Inverter.TimeoutMs = DefaultTimeoutMs
	}

	// ---- datasets ----
	if len(cfg.Datasets) == 0 {
		cfg.Datasets = []DatasetConfig{DefaultDataset()}
	}
	for i := range cfg.Datasets {
		d := &cfg.Datasets[i]
		if d.ID == "" {
			d.ID = d.Block
		}
		if d.IntervalMs == 0 {
			d.IntervalMs = DefaultIntervalMs
		}
		// Fold the block into explicit reads so later stages see geometry only.
		d.Reads = d.EffectiveReads()
		d.Block = ""
	}

	// ---- publish ----
	if strings.Trim(cfg.Publish.TopicPrefix, "/ ") == "" {
		cfg.Publish.TopicPrefix = DefaultPublishPrefix
	}

	// ---- targets ----
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.TimeoutMs == 0 {
			t.TimeoutMs = DefaultTargetTimeoutMs
		}
		if t.StatusSlot == nil {
			continue
		}
		if t.DeviceName == "" {
			t.DeviceName = cfg.Inverter.SerialNumber
		}
		if len(t.DeviceName) > deviceNameMaxChars {
			t.DeviceName = t.DeviceName[:deviceNameMaxChars]
		}
	}
}
