// Package limits enforces per-user share position limits.
//
// A buy is checked against two ceilings: the shares the user would hold in
// the traded outcome, and the shares held across both outcomes of the same
// market. Pending buy quantity counts as exposure so resting bids cannot be
// used to step around the limit.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrPositionLimit is returned when a buy would exceed a position limit.
	ErrPositionLimit = errors.New("limits: position limit exceeded")
)

// Exposure is a user's current share exposure in one outcome: settled
// shares plus shares escrowed or pending on the book.
type Exposure struct {
	OutcomeID string
	MarketID  string
	Shares    decimal.Decimal
}

// PositionLimiter holds the two ceilings. A zero ceiling is unlimited.
type PositionLimiter struct {
	// MaxPerOutcome caps the shares held in any single outcome.
	MaxPerOutcome decimal.Decimal

	// MaxPerMarket caps the shares held across both outcomes of one market.
	MaxPerMarket decimal.Decimal
}

// NewPositionLimiter creates a limiter. Pass zero to disable a ceiling.
func NewPositionLimiter(maxPerOutcome, maxPerMarket decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerOutcome: maxPerOutcome,
		MaxPerMarket:  maxPerMarket,
	}
}

// Enabled reports whether any ceiling is set.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerOutcome.IsPositive() || l.MaxPerMarket.IsPositive())
}

// CheckBuy validates buying qty more shares of outcomeID in marketID given
// the user's existing exposures.
func (l *PositionLimiter) CheckBuy(marketID, outcomeID string, qty decimal.Decimal, existing []Exposure) error {
	if !l.Enabled() {
		return nil
	}

	inOutcome := qty
	inMarket := qty
	for _, e := range existing {
		if e.OutcomeID == outcomeID {
			inOutcome = inOutcome.Add(e.Shares)
		}
		if e.MarketID == marketID {
			inMarket = inMarket.Add(e.Shares)
		}
	}

	if l.MaxPerOutcome.IsPositive() && inOutcome.GreaterThan(l.MaxPerOutcome) {
		return fmt.Errorf("%w: %s shares in outcome exceeds %s", ErrPositionLimit, inOutcome, l.MaxPerOutcome)
	}
	if l.MaxPerMarket.IsPositive() && inMarket.GreaterThan(l.MaxPerMarket) {
		return fmt.Errorf("%w: %s shares in market exceeds %s", ErrPositionLimit, inMarket, l.MaxPerMarket)
	}
	return nil
}
