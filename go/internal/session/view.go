package session

import (
	"github.com/tradelab/labclient/go/internal/models"
	"github.com/tradelab/labclient/go/internal/statesync"
)

// View is a read-only copy of the client's current session state, assembled
// for inspection endpoints and bot decision loops.
type View struct {
	SessionID       string                     `json:"session_id"`
	ParticipantID   string                     `json:"participant_id"`
	Money           int64                      `json:"money"`
	Inventory       []models.InventoryItem     `json:"inventory"`
	Orders          []models.Order             `json:"orders"`
	ProductionQueue []models.ProductionJob     `json:"production_queue"`
	Participants    []models.Participant       `json:"participants"`
	Messages        []models.Message           `json:"messages"`
	PendingOffers   []models.TradeOffer        `json:"pending_offers"`
	TradeHistory    []models.TradeHistoryEntry `json:"trade_history"`
	RunStatus       models.RunStatus           `json:"run_status"`
	StableRunStatus models.RunStatus           `json:"stable_run_status"`
	RemainingSec    int                        `json:"remaining_sec"`
}

// Money returns the participant's current balance in cents.
func (cl *Client) Money() int64 {
	if v, ok := cl.core().state.Get(statesync.FieldMoney); ok {
		return v.(int64)
	}
	return 0
}

// Inventory returns the current inventory.
func (cl *Client) Inventory() []models.InventoryItem {
	return sliceField[models.InventoryItem](cl, statesync.FieldInventory)
}

// Orders returns the open market orders.
func (cl *Client) Orders() []models.Order {
	return sliceField[models.Order](cl, statesync.FieldOrders)
}

// ProductionQueue returns the queued production jobs.
func (cl *Client) ProductionQueue() []models.ProductionJob {
	return sliceField[models.ProductionJob](cl, statesync.FieldProductionQueue)
}

// Participants returns the session roster.
func (cl *Client) Participants() []models.Participant {
	return sliceField[models.Participant](cl, statesync.FieldParticipants)
}

// Messages returns the chat log.
func (cl *Client) Messages() []models.Message {
	return sliceField[models.Message](cl, statesync.FieldMessages)
}

// PendingOffers returns pending trade offers in arrival order.
func (cl *Client) PendingOffers() []models.TradeOffer {
	return cl.core().trades.Pending()
}

// TradeHistory returns settled offers, oldest first.
func (cl *Client) TradeHistory() []models.TradeHistoryEntry {
	return cl.core().trades.History()
}

// RunStatus returns the timer engine's live status, including the local
// completed state when the countdown hit zero ahead of the server.
func (cl *Client) RunStatus() models.RunStatus {
	return cl.core().timer.Status()
}

// StableRunStatus returns the debounced status, which absorbs transient
// flicker during resyncs.
func (cl *Client) StableRunStatus() models.RunStatus {
	return cl.core().status.Current()
}

// RemainingSec returns whole seconds left on the countdown.
func (cl *Client) RemainingSec() int {
	return cl.core().timer.Remaining()
}

// Snapshot assembles a full read-only view.
func (cl *Client) Snapshot() View {
	return View{
		SessionID:       cl.sessionID,
		ParticipantID:   cl.participantID,
		Money:           cl.Money(),
		Inventory:       cl.Inventory(),
		Orders:          cl.Orders(),
		ProductionQueue: cl.ProductionQueue(),
		Participants:    cl.Participants(),
		Messages:        cl.Messages(),
		PendingOffers:   cl.PendingOffers(),
		TradeHistory:    cl.TradeHistory(),
		RunStatus:       cl.RunStatus(),
		StableRunStatus: cl.StableRunStatus(),
		RemainingSec:    cl.RemainingSec(),
	}
}

func sliceField[T any](cl *Client, field statesync.Field) []T {
	v, ok := cl.core().state.Get(field)
	if !ok {
		return nil
	}
	src, ok := v.([]T)
	if !ok {
		return nil
	}
	out := make([]T, len(src))
	copy(out, src)
	return out
}
