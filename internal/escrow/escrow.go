// Package escrow is the reservation manager. A resting order's cash (buy)
// or shares (sell) leave the owner's free pool exactly once, at placement,
// so that matching later is a pure transfer between escrowed resources.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/ledger"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

// ErrNotLimitOrder is returned when escrow is requested for an order without a price.
var ErrNotLimitOrder = errors.New("escrow: only limit orders carry a reservation")

// Manager reserves and releases order escrow through the ledger.
type Manager struct {
	ledger *ledger.Ledger
}

// NewManager creates a reservation manager.
func NewManager(l *ledger.Ledger) *Manager {
	return &Manager{ledger: l}
}

// Required returns what placing the order escrows: cash for a buy
// (price × quantity), shares for a sell (quantity).
func Required(o *model.Order) decimal.Decimal {
	if o.Side == model.SideBuy {
		return o.LimitPrice().Mul(o.Quantity)
	}
	return o.Quantity
}

// Reserve escrows the order's full requirement. It fails with
// ledger.ErrInsufficientBalance or ledger.ErrInsufficientShares and then
// leaves nothing escrowed.
func (m *Manager) Reserve(ctx context.Context, tx store.Tx, o *model.Order) error {
	if o.Kind != model.KindLimit || o.Price == nil {
		return ErrNotLimitOrder
	}
	if o.Side == model.SideBuy {
		if err := m.ledger.Debit(ctx, tx, o.UserID, Required(o)); err != nil {
			return fmt.Errorf("reserve order %s: %w", o.ID, err)
		}
		return nil
	}
	if _, err := m.ledger.RemoveShares(ctx, tx, o.UserID, o.OutcomeID, o.Quantity); err != nil {
		return fmt.Errorf("reserve order %s: %w", o.ID, err)
	}
	return nil
}

// Release returns the escrow backing remaining unfilled quantity to the
// free pool: price × remaining cash for a buy, remaining shares for a sell.
func (m *Manager) Release(ctx context.Context, tx store.Tx, o *model.Order, remaining decimal.Decimal) error {
	if o.Kind != model.KindLimit || o.Price == nil {
		return ErrNotLimitOrder
	}
	if !remaining.IsPositive() {
		return nil
	}
	if o.Side == model.SideBuy {
		if err := m.ledger.Credit(ctx, tx, o.UserID, o.Price.Mul(remaining)); err != nil {
			return fmt.Errorf("release order %s: %w", o.ID, err)
		}
		return nil
	}
	if _, err := m.ledger.ReturnShares(ctx, tx, o.UserID, o.MarketID, o.OutcomeID, remaining, *o.Price); err != nil {
		return fmt.Errorf("release order %s: %w", o.ID, err)
	}
	return nil
}

// Refund returns the part of a buy order's escrow not spent because qty
// executed at execPrice below the order's limit. Returns the refunded amount.
func (m *Manager) Refund(ctx context.Context, tx store.Tx, o *model.Order, qty, execPrice decimal.Decimal) (decimal.Decimal, error) {
	if o.Side != model.SideBuy || o.Price == nil {
		return decimal.Zero, nil
	}
	diff := o.Price.Sub(execPrice).Mul(qty)
	if !diff.IsPositive() {
		return decimal.Zero, nil
	}
	if err := m.ledger.Credit(ctx, tx, o.UserID, diff); err != nil {
		return decimal.Zero, fmt.Errorf("refund order %s: %w", o.ID, err)
	}
	return diff, nil
}
