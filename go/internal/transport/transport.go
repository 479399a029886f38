package transport

import (
	"context"

	"github.com/tradelab/labclient/go/internal/events"
)

// Transport is a persistent channel delivering session events. Delivery is
// at-least-once with no ordering guarantee across events; duplicates are
// expected around reconnects and are the deduper's problem, not the
// transport's.
type Transport interface {
	// Start begins delivering events until the context is cancelled.
	Start(ctx context.Context) error

	// Events is the stream of inbound envelopes.
	Events() <-chan events.Envelope

	// Reconnects signals each established connection, including the first.
	// Consumers use it to invalidate stale resync timers and request a fresh
	// authoritative snapshot.
	Reconnects() <-chan struct{}

	// Close tears the transport down.
	Close() error
}
