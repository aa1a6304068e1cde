// internal/poller/runner.go
package poller

import (
	"context"
	"time"
)

// Run polls once immediately, then on every tick and every Refresh, and emits
// each PollResult on out. One goroutine per dataset. No overlap. No retries.
func (p *Poller) Run(ctx context.Context, out chan<- PollResult) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	if !p.emit(ctx, out) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.refresh:
		}
		if !p.emit(ctx, out) {
			return
		}
	}
}

func (p *Poller) emit(ctx context.Context, out chan<- PollResult) bool {
	res := p.PollOnce(ctx)
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- res:
		return true
	case <-ctx.Done():
		return false
	}
}
