package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/orderbook-engine/internal/events"
	"github.com/atmx/orderbook-engine/internal/metrics"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

// CancelOrder cancels a resting limit order owned by userID and releases
// the escrow behind its unfilled remainder. Cancelling a filled, cancelled
// or market order fails with ErrInvalidState and changes nothing.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	// The outcome is needed to take the lock; ownership and state are
	// re-checked under it.
	peek, err := e.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}

	var order *model.Order
	var released bool
	release, err := e.withOutcome(ctx, peek.OutcomeID, func(tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return fmt.Errorf("%w: %s", ErrNotOwner, orderID)
		}
		if o.Kind != model.KindLimit || o.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s %s", ErrInvalidState, orderID, o.Status, o.Kind)
		}

		remaining := o.Remaining()
		if err := e.escrow.Release(ctx, tx, o, remaining); err != nil {
			return err
		}
		released = remaining.IsPositive()
		o.Status = model.StatusCancelled
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCancelled.Inc()
	slog.Info("order cancelled",
		"order_id", order.ID,
		"user", userID,
		"outcome", order.OutcomeID,
		"remaining", order.Remaining().String(),
		"released", released,
	)
	e.publish(ctx, []events.Event{{
		Type:      events.OrderCancelled,
		MarketID:  order.MarketID,
		OutcomeID: order.OutcomeID,
		Order:     order,
		At:        e.now(),
	}})
	release()
	return order, nil
}
