package trade

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tradelab/labclient/go/internal/models"
)

// Conflict classes for invalid transitions. ErrAlreadyResolved is
// success-equivalent for the caller: the offer reached a terminal state, just
// not through this call.
var (
	ErrUnknownOffer    = errors.New("unknown trade offer")
	ErrAlreadyResolved = errors.New("trade offer already resolved")
	ErrNotRecipient    = errors.New("only the recipient may respond to an offer")
	ErrNotProposer     = errors.New("only the proposer may cancel an offer")
)

// Resolution is the terminal transition applied to a proposed offer.
type Resolution string

const (
	ResolutionAccepted  Resolution = "accepted"
	ResolutionRejected  Resolution = "rejected"
	ResolutionCancelled Resolution = "cancelled"
)

// Machine tracks one participant's view of all pending and settled trade
// offers. Offers live in the pending set while proposed and move to the
// append-only history on their single terminal transition. Settlement of
// money and inventory is authoritative and happens elsewhere; the machine
// only tracks offer lifecycle.
type Machine struct {
	mu      sync.Mutex
	self    string
	clock   clockwork.Clock
	pending map[string]models.TradeOffer
	order   []string // pending ids in arrival order
	settled map[string]Resolution
	// deferred holds settlements that outran their announcement; the history
	// entry is written once the offer details arrive.
	deferred map[string]Resolution
	history  []models.TradeHistoryEntry
}

// NewMachine creates a machine for the given participant id.
func NewMachine(self string, clock clockwork.Clock) *Machine {
	return &Machine{
		self:     self,
		clock:    clock,
		pending:  make(map[string]models.TradeOffer),
		settled:  make(map[string]Resolution),
		deferred: make(map[string]Resolution),
	}
}

// Propose creates an offer in the proposed state and inserts it into the
// local pending list. The id is client-generated, so the eventual
// server-confirmed copy cannot conflict with it.
func (m *Machine) Propose(kind models.TradeKind, shape models.Shape, quantity int, pricePerUnit int64, recipient string) models.TradeOffer {
	offer := models.TradeOffer{
		ID:           uuid.New().String(),
		Kind:         kind,
		Shape:        shape,
		Quantity:     quantity,
		PricePerUnit: pricePerUnit,
		Proposer:     m.self,
		Recipient:    recipient,
		CreatedAt:    m.clock.Now(),
	}

	m.mu.Lock()
	m.insertLocked(offer)
	m.mu.Unlock()
	return offer
}

// ApplyOffer records an offer announced by the server. Offers already known
// or already settled are ignored; returns whether the pending set changed.
func (m *Machine) ApplyOffer(offer models.TradeOffer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyOfferLocked(offer)
}

func (m *Machine) applyOfferLocked(offer models.TradeOffer) bool {
	if res, done := m.settled[offer.ID]; done {
		// The settlement beat the announcement here; now that the offer
		// details are known, write the history entry it was owed.
		if _, waiting := m.deferred[offer.ID]; waiting {
			delete(m.deferred, offer.ID)
			m.settleLocked(offer, res)
		}
		return false
	}
	if _, known := m.pending[offer.ID]; known {
		return false
	}
	m.insertLocked(offer)
	return true
}

// SyncPending reconciles the pending set against the server's authoritative
// offer list: unknown listed offers are inserted and pending offers the
// server no longer reports are dropped. Returns whether the pending set
// changed.
func (m *Machine) SyncPending(offers []models.TradeOffer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	listed := make(map[string]struct{}, len(offers))
	for _, offer := range offers {
		listed[offer.ID] = struct{}{}
		if m.applyOfferLocked(offer) {
			changed = true
		}
	}
	for _, id := range append([]string(nil), m.order...) {
		if _, ok := listed[id]; !ok {
			m.removeLocked(id)
			changed = true
		}
	}
	return changed
}

// Respond applies the recipient's accept or reject to a proposed offer and
// returns the offer for submission to the server.
func (m *Machine) Respond(offerID string, accept bool) (models.TradeOffer, error) {
	res := ResolutionRejected
	if accept {
		res = ResolutionAccepted
	}
	return m.resolve(offerID, res, func(offer models.TradeOffer) error {
		if offer.Recipient != m.self {
			return ErrNotRecipient
		}
		return nil
	})
}

// Cancel withdraws a proposed offer. Only the proposer may cancel.
func (m *Machine) Cancel(offerID string) (models.TradeOffer, error) {
	return m.resolve(offerID, ResolutionCancelled, func(offer models.TradeOffer) error {
		if offer.Proposer != m.self {
			return ErrNotProposer
		}
		return nil
	})
}

// Settle applies a server-reported terminal transition. Duplicate
// settlements are no-ops; returns the history entry and whether it was newly
// recorded.
func (m *Machine) Settle(offerID string, res Resolution) (models.TradeHistoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.pending[offerID]
	if !ok {
		// Unordered delivery: the settlement can arrive before the offer
		// announcement. Tombstone the id so the late announcement cannot
		// resurrect the offer.
		if _, done := m.settled[offerID]; !done {
			m.settled[offerID] = res
			m.deferred[offerID] = res
		}
		return models.TradeHistoryEntry{}, false
	}
	return m.settleLocked(offer, res), true
}

// Drop removes a pending offer without a history entry, for local offers the
// server rejected at submission time.
func (m *Machine) Drop(offerID string) {
	m.mu.Lock()
	m.removeLocked(offerID)
	m.mu.Unlock()
}

// Pending returns the pending offers in arrival order.
func (m *Machine) Pending() []models.TradeOffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	offers := make([]models.TradeOffer, 0, len(m.order))
	for _, id := range m.order {
		if offer, ok := m.pending[id]; ok {
			offers = append(offers, offer)
		}
	}
	return offers
}

// History returns a copy of the settled-offer history, oldest first.
func (m *Machine) History() []models.TradeHistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]models.TradeHistoryEntry, len(m.history))
	copy(entries, m.history)
	return entries
}

func (m *Machine) resolve(offerID string, res Resolution, check func(models.TradeOffer) error) (models.TradeOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.pending[offerID]
	if !ok {
		if _, done := m.settled[offerID]; done {
			return models.TradeOffer{}, ErrAlreadyResolved
		}
		return models.TradeOffer{}, ErrUnknownOffer
	}
	if err := check(offer); err != nil {
		return models.TradeOffer{}, err
	}

	m.settleLocked(offer, res)
	return offer, nil
}

func (m *Machine) settleLocked(offer models.TradeOffer, res Resolution) models.TradeHistoryEntry {
	m.removeLocked(offer.ID)
	m.settled[offer.ID] = res

	entry := models.TradeHistoryEntry{
		OfferID:      offer.ID,
		Outcome:      m.outcomeFor(offer, res),
		Shape:        offer.Shape,
		Quantity:     offer.Quantity,
		PricePerUnit: offer.PricePerUnit,
		Counterparty: m.counterparty(offer),
		SettledAt:    m.clock.Now(),
	}
	m.history = append(m.history, entry)

	log.Debug().
		Str("offer_id", offer.ID).
		Str("resolution", string(res)).
		Str("outcome", string(entry.Outcome)).
		Msg("trade offer settled")
	return entry
}

// outcomeFor labels the settlement from this participant's perspective. The
// offer kind is stored from the proposer's point of view, so the recipient's
// verb is inverted.
func (m *Machine) outcomeFor(offer models.TradeOffer, res Resolution) models.TradeOutcome {
	switch res {
	case ResolutionCancelled:
		return models.TradeOutcomeCancelled
	case ResolutionRejected:
		return models.TradeOutcomeDeclined
	}

	selling := offer.Kind == models.TradeKindSell
	if !offer.IsOutgoing(m.self) {
		selling = !selling
	}
	if selling {
		return models.TradeOutcomeSold
	}
	return models.TradeOutcomeBought
}

func (m *Machine) counterparty(offer models.TradeOffer) string {
	if offer.IsOutgoing(m.self) {
		return offer.Recipient
	}
	return offer.Proposer
}

func (m *Machine) insertLocked(offer models.TradeOffer) {
	m.pending[offer.ID] = offer
	m.order = append(m.order, offer.ID)
}

func (m *Machine) removeLocked(offerID string) {
	delete(m.pending, offerID)
	for i, id := range m.order {
		if id == offerID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
