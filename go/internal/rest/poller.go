package rest

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tradelab/labclient/go/internal/models"
)

// DefaultPollInterval is the periodic snapshot poll cadence. Pushes carry
// most updates; the poll is the safety net for anything they missed.
const DefaultPollInterval = 5 * time.Second

// Poller periodically fetches a session snapshot and hands it to the apply
// callback, which routes it through reconciliation. Poll failures are logged
// and retried on the next tick; the poller never gives up on its own.
type Poller struct {
	clock    clockwork.Clock
	interval time.Duration
	fetch    func(ctx context.Context) (*models.Snapshot, error)
	apply    func(snap *models.Snapshot)
}

// NewPoller creates a poller. A non-positive interval falls back to
// DefaultPollInterval.
func NewPoller(clock clockwork.Clock, interval time.Duration, fetch func(ctx context.Context) (*models.Snapshot, error), apply func(snap *models.Snapshot)) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		clock:    clock,
		interval: interval,
		fetch:    fetch,
		apply:    apply,
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	log.Info().Dur("interval", p.interval).Msg("snapshot poller started")

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("snapshot poller shutting down")
			return
		case <-ticker.Chan():
			snap, err := p.fetch(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("snapshot poll failed")
				}
				continue
			}
			p.apply(snap)
		}
	}
}
