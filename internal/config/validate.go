// internal/config/validate.go
package config

import (
	"fmt"
	"strings"

	"github.com/tamzrod/saj-mqtt-bridge/internal/registers"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}

	// ------------------------------------------------------------
	// BROKER + INVERTER
	// ------------------------------------------------------------

	if strings.TrimSpace(cfg.MQTT.Broker) == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if cfg.MQTT.QoS != nil && *cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", *cfg.MQTT.QoS)
	}
	if cfg.MQTT.KeepAliveMs < 0 || cfg.MQTT.ConnectTimeoutMs < 0 {
		return fmt.Errorf("mqtt: keepalive_ms and connect_timeout_ms must not be negative")
	}

	serial := strings.TrimSpace(cfg.Inverter.SerialNumber)
	if serial == "" {
		return fmt.Errorf("inverter.serial_number is required")
	}
	if strings.ContainsAny(serial, "/+#") {
		return fmt.Errorf("inverter.serial_number %q must not contain MQTT topic characters", serial)
	}
	if cfg.Inverter.TimeoutMs < 0 {
		return fmt.Errorf("inverter.timeout_ms must not be negative")
	}
	if strings.ContainsAny(cfg.Inverter.TopicPrefix, "+#") {
		return fmt.Errorf("inverter.topic_prefix %q must not contain wildcards", cfg.Inverter.TopicPrefix)
	}
	if strings.ContainsAny(cfg.Publish.TopicPrefix, "+#") {
		return fmt.Errorf("publish.topic_prefix %q must not contain wildcards", cfg.Publish.TopicPrefix)
	}

	// ------------------------------------------------------------
	// DATASETS
	// ------------------------------------------------------------

	datasets := make(map[string]DatasetConfig)

	for i, d := range cfg.Datasets {
		id := d.EffectiveID()
		if id == "" {
			return fmt.Errorf("datasets[%d]: id or block is required", i)
		}
		if _, dup := datasets[id]; dup {
			return fmt.Errorf("dataset %q: duplicate id", id)
		}
		datasets[id] = d

		if d.Block != "" {
			if _, ok := registers.Lookup(d.Block); !ok {
				return fmt.Errorf(
					"dataset %q: unknown block %q (known: %s)",
					id,
					d.Block,
					strings.Join(registers.Known(), ", "),
				)
			}
		}
		if d.IntervalMs < 0 {
			return fmt.Errorf("dataset %q: interval_ms must not be negative", id)
		}

		reads := d.EffectiveReads()
		if len(reads) == 0 {
			return fmt.Errorf("dataset %q: at least one read is required", id)
		}
		for _, r := range reads {
			if r.Quantity == 0 {
				return fmt.Errorf("dataset %q: read at 0x%04x has zero quantity", id, r.Address)
			}
			if uint32(r.Address)+uint32(r.Quantity) > 0x10000 {
				return fmt.Errorf(
					"dataset %q: read 0x%04x+%d exceeds the register space",
					id,
					r.Address,
					r.Quantity,
				)
			}
		}
	}

	// ------------------------------------------------------------
	// DEVICE STATUS BLOCK VALIDATION (PER-TARGET, OPT-IN)
	// ------------------------------------------------------------

	// key = endpoint | status_unit_id | status_slot
	statusOwner := make(map[string]int)

	for i, t := range cfg.Targets {
		if strings.TrimSpace(t.Endpoint) == "" {
			return fmt.Errorf("targets[%d]: endpoint is required", i)
		}
		if t.TimeoutMs < 0 {
			return fmt.Errorf("target %q: timeout_ms must not be negative", t.Endpoint)
		}
		for _, id := range t.Datasets {
			if !knownDataset(cfg, datasets, id) {
				return fmt.Errorf("target %q: unknown dataset %q", t.Endpoint, id)
			}
		}

		// device_name sanity (ASCII only)
		for j := 0; j < len(t.DeviceName); j++ {
			if t.DeviceName[j] > 0x7F {
				return fmt.Errorf(
					"target %q: device_name must contain ASCII characters only",
					t.Endpoint,
				)
			}
		}

		// status is opt-in
		if t.StatusSlot == nil {
			continue
		}
		if t.StatusUnitID == nil {
			return fmt.Errorf(
				"target %q: status_slot is set but status_unit_id is not",
				t.Endpoint,
			)
		}

		key := fmt.Sprintf("%s|%d|%d", t.Endpoint, *t.StatusUnitID, *t.StatusSlot)
		if prev, exists := statusOwner[key]; exists {
			return fmt.Errorf(
				"status_slot collision: endpoint=%s status_unit_id=%d slot=%d used by targets[%d] and targets[%d]",
				t.Endpoint,
				*t.StatusUnitID,
				*t.StatusSlot,
				prev,
				i,
			)
		}
		statusOwner[key] = i
	}

	// ------------------------------------------------------------
	// DESTINATION MEMORY GEOMETRY VALIDATION
	// ------------------------------------------------------------

	type span struct {
		start   uint32
		end     uint32
		dataset string
	}

	// key = endpoint | unit_id
	spans := make(map[string][]span)

	for _, t := range cfg.Targets {
		key := fmt.Sprintf("%s|%d", t.Endpoint, t.UnitID)

		for _, d := range effectiveDatasets(cfg) {
			id := d.EffectiveID()
			if d.Disabled || !t.Replicates(id) {
				continue
			}

			for _, r := range d.EffectiveReads() {
				start := uint32(t.Offset) + uint32(r.Address)
				end := start + uint32(r.Quantity) - 1
				if end > 0xFFFF {
					return fmt.Errorf(
						"target %q: dataset %q range 0x%04x+%d with offset %d exceeds the register space",
						t.Endpoint,
						id,
						r.Address,
						r.Quantity,
						t.Offset,
					)
				}

				for _, s := range spans[key] {
					// overlap check (inclusive)
					if !(end < s.start || start > s.end) {
						return fmt.Errorf(
							"memory overlap: endpoint=%s unit_id=%d range=%d-%d (dataset %s) overlaps with dataset %s range=%d-%d",
							t.Endpoint,
							t.UnitID,
							start,
							end,
							id,
							s.dataset,
							s.start,
							s.end,
						)
					}
				}

				spans[key] = append(spans[key], span{start: start, end: end, dataset: id})
			}
		}
	}

	return nil
}

// effectiveDatasets is cfg.Datasets, or the implicit default when none are configured.
func effectiveDatasets(cfg *Config) []DatasetConfig {
	if len(cfg.Datasets) > 0 {
		return cfg.Datasets
	}
	return []DatasetConfig{DefaultDataset()}
}

func knownDataset(cfg *Config, declared map[string]DatasetConfig, id string) bool {
	if len(cfg.Datasets) == 0 {
		return id == DefaultDataset().EffectiveID()
	}
	_, ok := declared[id]
	return ok
}
