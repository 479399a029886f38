package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradelab/labclient/go/internal/models"
)

// Envelope is the base structure for every session event crossing the
// transport, whatever channel delivered it.
type Envelope struct {
	ID        string          `json:"id"`         // event UUID
	SessionID string          `json:"session_id"` // session UUID
	Type      EventType       `json:"type"`       // event type
	Timestamp time.Time       `json:"timestamp"`  // server-side creation time
	Data      json.RawMessage `json:"data"`       // type-specific payload
}

// DedupKey identifies this delivery for effectively-once processing. An
// envelope without an id yields an empty key, which the deduper always
// accepts.
func (e *Envelope) DedupKey() string {
	if e.ID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%d", e.Type, e.ID, e.Timestamp.UnixMilli())
}

// EventType represents the type of session event.
type EventType string

const (
	EventTypeTimerUpdate         EventType = "timer_update"
	EventTypeSessionStatus       EventType = "session_status"
	EventTypeSnapshot            EventType = "snapshot"
	EventTypeNewTradeOffer       EventType = "new_trade_offer"
	EventTypeTradeOfferResponse  EventType = "trade_offer_response"
	EventTypeTradeCompleted      EventType = "trade_completed"
	EventTypeParticipantUpdate   EventType = "participant_update"
	EventTypeProductionCompleted EventType = "production_completed"
	EventTypeOrderFilled         EventType = "order_filled"
	EventTypeChatMessage         EventType = "chat_message"
	EventTypeSessionReset        EventType = "session_reset"
)

// TimerUpdatePayload carries an authoritative countdown correction.
type TimerUpdatePayload struct {
	RunStatus    models.RunStatus `json:"run_status"`
	RemainingSec int              `json:"remaining_sec"`
}

// SessionStatusPayload announces a run-state transition.
type SessionStatusPayload struct {
	RunStatus models.RunStatus `json:"run_status"`
	ChangedAt time.Time        `json:"changed_at"`
}

// NewTradeOfferPayload announces a freshly proposed offer.
type NewTradeOfferPayload struct {
	Offer models.TradeOffer `json:"offer"`
}

// TradeOfferResponsePayload reports the recipient's accept or reject.
type TradeOfferResponsePayload struct {
	OfferID     string    `json:"offer_id"`
	Accepted    bool      `json:"accepted"`
	RespondedAt time.Time `json:"responded_at"`
}

// TradeCompletedPayload reports a settled trade. Balance changes arrive
// separately as snapshot writes.
type TradeCompletedPayload struct {
	OfferID      string       `json:"offer_id"`
	Buyer        string       `json:"buyer"`
	Seller       string       `json:"seller"`
	Shape        models.Shape `json:"shape"`
	Quantity     int          `json:"quantity"`
	PricePerUnit int64        `json:"price_per_unit"`
	CompletedAt  time.Time    `json:"completed_at"`
}

// ParticipantUpdatePayload refreshes one roster entry.
type ParticipantUpdatePayload struct {
	Participant models.Participant `json:"participant"`
}

// ProductionCompletedPayload confirms a finished production job.
type ProductionCompletedPayload struct {
	ParticipantID string       `json:"participant_id"`
	Shape         models.Shape `json:"shape"`
	ProducedAt    time.Time    `json:"produced_at"`
}

// OrderFilledPayload confirms an order fulfillment and its payout.
type OrderFilledPayload struct {
	OrderID       string    `json:"order_id"`
	ParticipantID string    `json:"participant_id"`
	Payout        int64     `json:"payout"`
	FilledAt      time.Time `json:"filled_at"`
}

// ChatMessagePayload carries one chat line.
type ChatMessagePayload struct {
	Message models.Message `json:"message"`
}

// SessionResetPayload announces a researcher-initiated restart. Clients tear
// down the current session view and build a fresh one.
type SessionResetPayload struct {
	ResetAt time.Time `json:"reset_at"`
}

// ParsePayload parses the envelope data into the appropriate payload struct.
// A snapshot event parses into *models.Snapshot. Unknown event types return
// (nil, nil) so newer servers do not break older clients.
func ParsePayload(event *Envelope) (interface{}, error) {
	switch event.Type {
	case EventTypeTimerUpdate:
		var payload TimerUpdatePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeSessionStatus:
		var payload SessionStatusPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeSnapshot:
		var payload models.Snapshot
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return &payload, nil

	case EventTypeNewTradeOffer:
		var payload NewTradeOfferPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeTradeOfferResponse:
		var payload TradeOfferResponsePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeTradeCompleted:
		var payload TradeCompletedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeParticipantUpdate:
		var payload ParticipantUpdatePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeProductionCompleted:
		var payload ProductionCompletedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeOrderFilled:
		var payload OrderFilledPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeChatMessage:
		var payload ChatMessagePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeSessionReset:
		var payload SessionResetPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // unknown event type
	}
}
