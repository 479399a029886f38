package statesync

import (
	"github.com/tradelab/labclient/go/internal/models"
)

// Field names one path in the local session state tree.
type Field string

const (
	FieldMoney           Field = "money"
	FieldInventory       Field = "inventory"
	FieldOrders          Field = "orders"
	FieldProductionQueue Field = "production_queue"
	FieldParticipants    Field = "participants"
	FieldRunStatus       Field = "run_status"
	FieldRemainingSec    Field = "remaining_sec"
	FieldTradeOffers     Field = "trade_offers"
	FieldMessages        Field = "messages"
)

// Source identifies where a proposed write originated. Every mutation,
// including a component's own optimistic write, carries one.
type Source int

const (
	SourceOptimistic Source = iota
	SourceSnapshot
	SourcePush
)

func (s Source) String() string {
	switch s {
	case SourceOptimistic:
		return "optimistic_local"
	case SourceSnapshot:
		return "server_snapshot"
	case SourcePush:
		return "server_push"
	}
	return "unknown"
}

// Outcome is the reconciler's verdict on a proposed write. Everything except
// OutcomeMalformed is expected steady-state traffic, never an error.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeStale
	OutcomeUnchanged
	OutcomeProtected
	OutcomeStatusGuarded
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeProtected:
		return "protected"
	case OutcomeStatusGuarded:
		return "status_guarded"
	case OutcomeMalformed:
		return "malformed"
	}
	return "unknown"
}

// Accepted reports whether the write changed local state.
func (o Outcome) Accepted() bool { return o == OutcomeApplied }

type fieldSpec struct {
	collection bool
	validate   func(v any) bool
}

// fieldSpecs is the closed registry of reconcilable fields. A write whose
// value fails its field's check is dropped before it can reach local state.
var fieldSpecs = map[Field]fieldSpec{
	FieldMoney: {validate: func(v any) bool {
		_, ok := v.(int64)
		return ok
	}},
	FieldInventory: {collection: true, validate: func(v any) bool {
		_, ok := v.([]models.InventoryItem)
		return ok
	}},
	FieldOrders: {collection: true, validate: func(v any) bool {
		_, ok := v.([]models.Order)
		return ok
	}},
	FieldProductionQueue: {collection: true, validate: func(v any) bool {
		_, ok := v.([]models.ProductionJob)
		return ok
	}},
	FieldParticipants: {collection: true, validate: func(v any) bool {
		_, ok := v.([]models.Participant)
		return ok
	}},
	FieldRunStatus: {validate: func(v any) bool {
		_, ok := v.(models.RunStatus)
		return ok
	}},
	FieldRemainingSec: {validate: func(v any) bool {
		_, ok := v.(int)
		return ok
	}},
	FieldTradeOffers: {collection: true, validate: func(v any) bool {
		_, ok := v.([]models.TradeOffer)
		return ok
	}},
	FieldMessages: {collection: true, validate: func(v any) bool {
		_, ok := v.([]models.Message)
		return ok
	}},
}
