// internal/poller/builder.go
package poller

import (
	"time"

	cfg "github.com/tamzrod/saj-mqtt-bridge/internal/config"
	"github.com/tamzrod/saj-mqtt-bridge/internal/metrics"
)

// Build constructs a Poller for one normalized dataset.
// All pollers share the one inverter client; it correlates their requests.
func Build(d cfg.DatasetConfig, client Client, m *metrics.Metrics) (*Poller, error) {
	reads := make([]ReadBlock, 0, len(d.Reads))
	for _, r := range d.EffectiveReads() {
		reads = append(reads, ReadBlock{
			Address:  r.Address,
			Quantity: r.Quantity,
		})
	}

	return New(
		Config{
			DatasetID: d.EffectiveID(),
			Interval:  time.Duration(d.IntervalMs) * time.Millisecond,
			Reads:     reads,
			Metrics:   m,
		},
		client,
	)
}
