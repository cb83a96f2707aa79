// Package ledger implements the atomic balance and share-position mutations
// every other component goes through. Each primitive runs inside the
// caller's store.Tx and enforces the non-negativity invariants: a balance
// or a share count never drops below zero.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the free balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInsufficientShares is returned when removing more shares than held.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrNonPositiveAmount is returned for zero or negative mutations.
	ErrNonPositiveAmount = errors.New("ledger: amount must be positive")
)

// Ledger applies balance and position mutations through a transaction.
// now supplies timestamps for position rows.
type Ledger struct {
	now func() time.Time
}

// New creates a ledger. A nil clock defaults to time.Now in UTC.
func New(now func() time.Time) *Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{now: now}
}

// Debit removes amount from the user's balance.
func (l *Ledger) Debit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("debit %s: %w", amount, ErrNonPositiveAmount)
	}
	u, err := tx.GetUserForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	if u.Balance.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, u.Balance, amount)
	}
	return tx.SetBalance(ctx, userID, u.Balance.Sub(amount))
}

// Credit adds amount to the user's balance.
func (l *Ledger) Credit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("credit %s: %w", amount, ErrNonPositiveAmount)
	}
	u, err := tx.GetUserForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	return tx.SetBalance(ctx, userID, u.Balance.Add(amount))
}

// AddShares moves qty shares acquired at price into the user's position,
// creating it if absent. The average entry price is volume weighted:
//
//	avg' = (avg×shares + price×qty) / (shares + qty)
func (l *Ledger) AddShares(ctx context.Context, tx store.Tx, userID, marketID, outcomeID string, qty, price decimal.Decimal) (*model.Position, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("add shares %s: %w", qty, ErrNonPositiveAmount)
	}
	pos, err := l.position(ctx, tx, userID, marketID, outcomeID)
	if err != nil {
		return nil, err
	}

	total := pos.Shares.Add(qty)
	cost := pos.AvgEntryPrice.Mul(pos.Shares).Add(price.Mul(qty))
	pos.AvgEntryPrice = cost.Div(total)
	pos.Shares = total
	pos.UpdatedAt = l.now()

	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// ReturnShares puts qty previously escrowed shares back into the position
// without touching the average entry price. A position that was never
// created is revived at fallbackPrice.
func (l *Ledger) ReturnShares(ctx context.Context, tx store.Tx, userID, marketID, outcomeID string, qty, fallbackPrice decimal.Decimal) (*model.Position, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("return shares %s: %w", qty, ErrNonPositiveAmount)
	}
	pos, err := l.position(ctx, tx, userID, marketID, outcomeID)
	if err != nil {
		return nil, err
	}
	if pos.Shares.IsZero() && pos.AvgEntryPrice.IsZero() {
		pos.AvgEntryPrice = fallbackPrice
	}
	pos.Shares = pos.Shares.Add(qty)
	pos.UpdatedAt = l.now()

	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// RemoveShares takes qty shares out of the position. A position reaching
// zero is kept (zeroed) so its entry price and realized P&L survive.
func (l *Ledger) RemoveShares(ctx context.Context, tx store.Tx, userID, outcomeID string, qty decimal.Decimal) (*model.Position, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("remove shares %s: %w", qty, ErrNonPositiveAmount)
	}
	pos, err := tx.GetPositionForUpdate(ctx, userID, outcomeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: have 0, need %s", ErrInsufficientShares, qty)
	}
	if err != nil {
		return nil, err
	}
	if pos.Shares.LessThan(qty) {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientShares, pos.Shares, qty)
	}
	pos.Shares = pos.Shares.Sub(qty)
	pos.UpdatedAt = l.now()

	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// RealizePnL books (price − avgEntry) × qty into the seller's realized P&L.
// Sellers without a position row (shares never held here) are skipped.
func (l *Ledger) RealizePnL(ctx context.Context, tx store.Tx, userID, outcomeID string, qty, price decimal.Decimal) (decimal.Decimal, error) {
	pos, err := tx.GetPositionForUpdate(ctx, userID, outcomeID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	pnl := price.Sub(pos.AvgEntryPrice).Mul(qty)
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.UpdatedAt = l.now()
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return decimal.Zero, err
	}
	return pnl, nil
}

// position loads the user's position or returns a fresh zero one.
func (l *Ledger) position(ctx context.Context, tx store.Tx, userID, marketID, outcomeID string) (*model.Position, error) {
	pos, err := tx.GetPositionForUpdate(ctx, userID, outcomeID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Position{
			UserID:    userID,
			MarketID:  marketID,
			OutcomeID: outcomeID,
		}, nil
	}
	return pos, err
}
