package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradelab/labclient/go/internal/models"
	"github.com/tradelab/labclient/go/internal/statesync"
	"github.com/tradelab/labclient/go/internal/trade"
)

// ProposeTrade creates a local offer, shows it immediately, and submits it.
// If the server rejects the submission the offer is withdrawn from the
// pending list.
func (cl *Client) ProposeTrade(ctx context.Context, kind models.TradeKind, shape models.Shape, quantity int, pricePerUnit int64, recipient string) (models.TradeOffer, error) {
	co := cl.core()

	offer := co.trades.Propose(kind, shape, quantity, pricePerUnit, recipient)
	cl.publishOffers(co)

	snap, err := cl.api.ProposeTrade(ctx, offer)
	if err != nil {
		co.trades.Drop(offer.ID)
		cl.publishOffers(co)
		return models.TradeOffer{}, fmt.Errorf("propose trade: %w", err)
	}
	cl.applySnapshot(co, snap, snap.TakenAt, statesync.SourceSnapshot)
	return offer, nil
}

// RespondToOffer accepts or rejects an incoming offer. An offer that already
// reached a terminal state returns ErrAlreadyResolved; callers should treat
// that as the trade having concluded, not as a failure.
func (cl *Client) RespondToOffer(ctx context.Context, offerID string, accept bool) error {
	co := cl.core()

	if _, err := co.trades.Respond(offerID, accept); err != nil {
		if errors.Is(err, trade.ErrAlreadyResolved) {
			log.Debug().Str("offer_id", offerID).Msg("offer settled before response")
		}
		return err
	}
	cl.publishOffers(co)

	snap, err := cl.api.RespondToOffer(ctx, offerID, accept)
	if err != nil {
		return fmt.Errorf("respond to offer: %w", err)
	}
	cl.applySnapshot(co, snap, snap.TakenAt, statesync.SourceSnapshot)
	return nil
}

// CancelOffer withdraws an outgoing offer. ErrAlreadyResolved means the
// recipient settled it first; the local settlement stands.
func (cl *Client) CancelOffer(ctx context.Context, offerID string) error {
	co := cl.core()

	if _, err := co.trades.Cancel(offerID); err != nil {
		return err
	}
	cl.publishOffers(co)

	snap, err := cl.api.CancelOffer(ctx, offerID)
	if err != nil {
		return fmt.Errorf("cancel offer: %w", err)
	}
	cl.applySnapshot(co, snap, snap.TakenAt, statesync.SourceSnapshot)
	return nil
}

// StartRun starts the session run.
func (cl *Client) StartRun(ctx context.Context) error {
	return cl.runAction(ctx, "start", cl.api.StartRun)
}

// PauseRun pauses the session run.
func (cl *Client) PauseRun(ctx context.Context) error {
	return cl.runAction(ctx, "pause", cl.api.PauseRun)
}

// ResetRun resets the session run.
func (cl *Client) ResetRun(ctx context.Context) error {
	return cl.runAction(ctx, "reset", cl.api.ResetRun)
}

func (cl *Client) runAction(ctx context.Context, name string, call func(context.Context) (*models.Snapshot, error)) error {
	snap, err := call(ctx)
	if err != nil {
		return fmt.Errorf("%s run: %w", name, err)
	}
	cl.ApplySnapshot(snap)
	return nil
}

// ReportProduction applies a completed production optimistically: the new
// item appears in inventory immediately and stays pinned until the server
// confirms or the window lapses.
func (cl *Client) ReportProduction(shape models.Shape) models.InventoryItem {
	co := cl.core()

	item := models.InventoryItem{
		ID:         uuid.New().String(),
		Shape:      shape,
		ProducedAt: cl.clock.Now(),
	}
	inventory := append(cl.Inventory(), item)

	co.state.ApplyOptimistic(statesync.Operation{
		ID:     opProduction,
		Window: statesync.ProductionWindow,
		Writes: map[statesync.Field]any{
			statesync.FieldInventory: inventory,
		},
	})
	return item
}

// ReportOrderFilled applies an order fill optimistically: the consumed items
// leave inventory, the order disappears, and the payout lands, all pinned
// under the longer order-fill window.
func (cl *Client) ReportOrderFilled(orderID string) error {
	co := cl.core()

	var order models.Order
	found := false
	orders := cl.Orders()
	remaining := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if o.ID == orderID {
			order = o
			found = true
			continue
		}
		remaining = append(remaining, o)
	}
	if !found {
		return fmt.Errorf("unknown order %q", orderID)
	}

	inventory := cl.Inventory()
	kept := make([]models.InventoryItem, 0, len(inventory))
	consumed := 0
	for _, item := range inventory {
		if consumed < order.Quantity && item.Shape == order.Shape {
			consumed++
			continue
		}
		kept = append(kept, item)
	}
	if consumed < order.Quantity {
		return fmt.Errorf("insufficient inventory for order %q: need %d %s, have %d",
			orderID, order.Quantity, order.Shape, consumed)
	}

	co.state.ApplyOptimistic(statesync.Operation{
		ID:     "order:" + orderID,
		Window: statesync.OrderFulfilledWindow,
		Writes: map[statesync.Field]any{
			statesync.FieldInventory: kept,
			statesync.FieldOrders:    remaining,
			statesync.FieldMoney:     cl.Money() + order.Payout,
		},
	})
	return nil
}
