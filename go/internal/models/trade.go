package models

import (
	"time"
)

// TradeKind is the direction of a trade offer from the proposer's
// perspective. Consumers must invert the displayed verb for the recipient.
type TradeKind string

const (
	TradeKindBuy  TradeKind = "buy"
	TradeKindSell TradeKind = "sell"
)

// TradeOffer is one participant's view of a pending bilateral offer.
// Offers are never edited in place; the only mutation is a terminal
// transition that moves them into history.
type TradeOffer struct {
	ID           string    `json:"id"`
	Kind         TradeKind `json:"kind"`
	Shape        Shape     `json:"shape"`
	Quantity     int       `json:"quantity"`
	PricePerUnit int64     `json:"price_per_unit"` // cents
	Proposer     string    `json:"proposer"`
	Recipient    string    `json:"recipient"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsOutgoing reports whether the offer was proposed by the given participant.
func (o TradeOffer) IsOutgoing(self string) bool {
	return o.Proposer == self
}

// TradeOutcome tags a settled offer from the viewer's perspective.
type TradeOutcome string

const (
	TradeOutcomeBought    TradeOutcome = "bought"
	TradeOutcomeSold      TradeOutcome = "sold"
	TradeOutcomeDeclined  TradeOutcome = "declined"
	TradeOutcomeCancelled TradeOutcome = "cancelled"
)

// TradeHistoryEntry is an immutable record of a settled offer.
type TradeHistoryEntry struct {
	OfferID      string       `json:"offer_id"`
	Outcome      TradeOutcome `json:"outcome"`
	Shape        Shape        `json:"shape"`
	Quantity     int          `json:"quantity"`
	PricePerUnit int64        `json:"price_per_unit"`
	Counterparty string       `json:"counterparty"`
	SettledAt    time.Time    `json:"settled_at"`
}
