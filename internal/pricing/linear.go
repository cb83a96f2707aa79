package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
)

var (
	linearDepth     = decimal.NewFromInt(10)
	linearMaxImpact = decimal.RequireFromString("0.05")
)

// Linear fills at the outcome's current price and then moves it by
//
//	impact = min(qty / (liquidity × 10), 0.05)
//
// up for buys and down for sells, within the tradable range.
type Linear struct{}

func (Linear) Name() string { return "linear" }

func (Linear) Quote(market *model.Market, outcomeID string, side model.Side, qty decimal.Decimal) (Quote, error) {
	outcome := market.Outcome(outcomeID)
	if outcome == nil {
		return Quote{}, ErrUnknownOutcome
	}
	if !market.Liquidity.IsPositive() {
		return Quote{}, ErrInvalidLiquidity
	}

	impact := qty.Div(market.Liquidity.Mul(linearDepth))
	if impact.GreaterThan(linearMaxImpact) {
		impact = linearMaxImpact
	}
	if side == model.SideSell {
		impact = impact.Neg()
	}

	return Quote{
		FillPrice: outcome.Price,
		NewPrice:  model.ClampPrice(outcome.Price.Add(impact).Round(model.PriceScale)),
	}, nil
}
