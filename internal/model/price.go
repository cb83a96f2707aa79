package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// MinPrice is the lowest tradable probability.
	MinPrice = decimal.RequireFromString("0.01")

	// MaxPrice is the highest tradable probability.
	MaxPrice = decimal.RequireFromString("0.99")

	// PriceScale is the number of decimal places kept for derived prices.
	PriceScale int32 = 4

	// ErrOverfill is returned when a fill would exceed the requested quantity.
	ErrOverfill = errors.New("model: fill exceeds order quantity")
)

var one = decimal.NewFromInt(1)

// PriceInBounds reports whether p lies in [MinPrice, MaxPrice].
func PriceInBounds(p decimal.Decimal) bool {
	return p.GreaterThanOrEqual(MinPrice) && p.LessThanOrEqual(MaxPrice)
}

// ClampPrice bounds p to [MinPrice, MaxPrice].
func ClampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}

// ComplementPrice returns 1 − p. Exact in decimal arithmetic, so
// p + ComplementPrice(p) == 1 always holds.
func ComplementPrice(p decimal.Decimal) decimal.Decimal {
	return one.Sub(p)
}

// ApplyFill adds qty to the order's filled quantity and recomputes status.
// The fill timestamp is stamped once the order is complete.
func (o *Order) ApplyFill(qty decimal.Decimal, at time.Time) error {
	if !qty.IsPositive() {
		return errors.New("model: fill quantity must be positive")
	}
	if o.Status.Terminal() {
		return errors.New("model: fill on terminal order " + o.ID)
	}
	filled := o.Filled.Add(qty)
	if filled.GreaterThan(o.Quantity) {
		return ErrOverfill
	}
	o.Filled = filled
	if filled.Equal(o.Quantity) {
		o.Status = StatusFilled
		ts := at
		o.FilledAt = &ts
	} else {
		o.Status = StatusPartial
	}
	return nil
}
