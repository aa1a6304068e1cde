// internal/poller/poller.go
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tamzrod/saj-mqtt-bridge/internal/client"
	"github.com/tamzrod/saj-mqtt-bridge/internal/metrics"
	"github.com/tamzrod/saj-mqtt-bridge/internal/registers"
)

// Client abstracts the register reads the poller needs.
// The poller depends on geometry only.
type Client interface {
	Read(ctx context.Context, start, count uint16) (client.Result, error)
}

// Config is the minimal runtime config the poller needs.
type Config struct {
	DatasetID string
	Interval  time.Duration
	Reads     []ReadBlock

	Metrics *metrics.Metrics
}

// Poller is a dumb, clock-driven reader of one dataset.
type Poller struct {
	cfg     Config
	client  Client
	refresh chan struct{}
}

// New creates a poller with immutable config.
func New(cfg Config, c Client) (*Poller, error) {
	if cfg.DatasetID == "" {
		return nil, errors.New("poller: dataset id required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be > 0")
	}
	if len(cfg.Reads) == 0 {
		return nil, errors.New("poller: at least one read block required")
	}
	if c == nil {
		return nil, errors.New("poller: client required")
	}
	return &Poller{
		cfg:     cfg,
		client:  c,
		refresh: make(chan struct{}, 1),
	}, nil
}

func (p *Poller) DatasetID() string { return p.cfg.DatasetID }

// PollOnce performs exactly one poll cycle.
// All-or-nothing: any failure aborts the cycle.
func (p *Poller) PollOnce(ctx context.Context) PollResult {
	res := PollResult{
		DatasetID: p.cfg.DatasetID,
		At:        time.Now(),
	}

	blocks := make([]BlockResult, 0, len(p.cfg.Reads))

	for _, rb := range p.cfg.Reads {
		rr, err := p.client.Read(ctx, rb.Address, rb.Quantity)
		if err != nil {
			res.Err = fmt.Errorf("poller: dataset %s read 0x%04x+%d: %w", p.cfg.DatasetID, rb.Address, rb.Quantity, err)
			p.cfg.Metrics.PollCycle(p.cfg.DatasetID, metrics.ResultError)
			return res
		}
		raw := rr.Data
		if len(raw) != 2*int(rb.Quantity) {
			res.Err = fmt.Errorf(
				"poller: dataset %s read 0x%04x+%d: got %d bytes, want %d",
				p.cfg.DatasetID, rb.Address, rb.Quantity, len(raw), 2*int(rb.Quantity),
			)
			p.cfg.Metrics.PollCycle(p.cfg.DatasetID, metrics.ResultError)
			return res
		}
		blocks = append(blocks, BlockResult{
			Address:   rb.Address,
			Quantity:  rb.Quantity,
			Raw:        raw,
			Registers:  registers.Words(raw),
			ChecksumOK: rr.ChecksumOK,
		})
	}

	// Commit only if all reads succeeded
	res.Blocks = blocks
	p.cfg.Metrics.PollCycle(p.cfg.DatasetID, metrics.ResultOK)
	return res
}

// Refresh asks Run for an immediate extra cycle.
// It returns false if a refresh is already queued.
func (p *Poller) Refresh() bool {
	select {
	case p.refresh <- struct{}{}:
		return true
	default:
		return false
	}
}
