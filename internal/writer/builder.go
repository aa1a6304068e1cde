// internal/writer/builder.go
package writer

import (
	"time"

	"github.com/rs/zerolog/log"

	cfg "github.com/tamzrod/saj-mqtt-bridge/internal/config"
	wmodbus "github.com/tamzrod/saj-mqtt-bridge/internal/writer/modbus"
)

// BuildPlan converts the normalized targets into a Writer Plan.
// Assumes config has already passed conflict validation.
func BuildPlan(c *cfg.Config) Plan {
	var plan Plan

	for _, t := range c.Targets {
		plan.Targets = append(plan.Targets, TargetEndpoint{
			Endpoint: t.Endpoint,
			UnitID:   t.UnitID,
			Offset:   t.Offset,
			Datasets: t.Datasets,
		})

		if t.StatusSlot != nil && t.StatusUnitID != nil {
			plan.Status = append(plan.Status, StatusPlan{
				Endpoint:   t.Endpoint,
				UnitID:     *t.StatusUnitID,
				BaseSlot:   *t.StatusSlot,
				DeviceName: t.DeviceName,
			})
		}
	}

	return plan
}

// BuildEndpointClients creates one TCP client per unique endpoint.
// An endpoint that is down at startup is logged and retried on first write.
func BuildEndpointClients(c *cfg.Config) (map[string]endpointClient, func() error) {
	timeouts := map[string]time.Duration{}
	for _, t := range c.Targets {
		d := time.Duration(t.TimeoutMs) * time.Millisecond
		if d > timeouts[t.Endpoint] {
			timeouts[t.Endpoint] = d
		}
	}

	clients := make(map[string]endpointClient)
	var closers []func() error

	for endpoint, timeout := range timeouts {
		ec := wmodbus.NewEndpointClient(wmodbus.Config{
			Endpoint: endpoint,
			Timeout:  timeout,
		})
		if err := ec.Connect(); err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("replication target unreachable, will retry on write")
		}
		clients[endpoint] = ec
		closers = append(closers, ec.Close)
	}

	closeAll := func() error {
		var last error
		for _, fn := range closers {
			if err := fn(); err != nil {
				last = err
			}
		}
		return last
	}

	return clients, closeAll
}
