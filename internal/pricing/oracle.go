// Package pricing decides how an outcome is priced and keeps outcome prices,
// market volume and price history consistent after every execution.
//
// Two strategies exist. The book strategy trades against resting orders.
// The impact strategy, used only when the opposing side of the book is
// empty and an ImpactPricer is configured, fills against a formula.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

var (
	// ErrNoLiquidity is returned when nothing can take the other side of an order.
	ErrNoLiquidity = errors.New("pricing: no liquidity")

	// ErrUnknownOutcome is returned when an outcome is not part of the market.
	ErrUnknownOutcome = errors.New("pricing: outcome does not belong to market")
)

// Strategy names the pricing source for an execution.
type Strategy string

const (
	StrategyBook   Strategy = "book"
	StrategyImpact Strategy = "impact"
)

// Quote is the result of an impact-pricer calculation.
type Quote struct {
	FillPrice decimal.Decimal // average price per share paid or received
	NewPrice  decimal.Decimal // outcome price after the fill
}

// ImpactPricer prices a fill against a formula instead of a counterparty.
type ImpactPricer interface {
	Name() string
	Quote(market *model.Market, outcomeID string, side model.Side, qty decimal.Decimal) (Quote, error)
}

// NewImpactPricer maps a configuration name to a pricer. "off" and ""
// return nil, meaning book liquidity is required.
func NewImpactPricer(name string) (ImpactPricer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "off", "none":
		return nil, nil
	case "linear":
		return Linear{}, nil
	case "lmsr":
		return LMSR{}, nil
	}
	return nil, fmt.Errorf("pricing: unknown impact pricer %q", name)
}

// Oracle picks the pricing strategy for a market order.
type Oracle struct {
	impact ImpactPricer
}

// NewOracle creates an oracle. A nil impact pricer disables the fallback.
func NewOracle(impact ImpactPricer) *Oracle {
	return &Oracle{impact: impact}
}

// Impact returns the configured fallback pricer, or nil.
func (o *Oracle) Impact() ImpactPricer {
	return o.impact
}

// Choose returns StrategyBook when a resting order on the opposite side
// exists, otherwise StrategyImpact when a fallback is configured, otherwise
// ErrNoLiquidity.
func (o *Oracle) Choose(ctx context.Context, tx store.Tx, outcomeID string, side model.Side) (Strategy, error) {
	best, err := tx.BestOrder(ctx, outcomeID, side.Opposite())
	if err != nil {
		return "", err
	}
	if best != nil {
		return StrategyBook, nil
	}
	if o.impact != nil {
		return StrategyImpact, nil
	}
	return "", ErrNoLiquidity
}
