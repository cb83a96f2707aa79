package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
)

var (
	// ErrInvalidLiquidity is returned when the liquidity parameter is not positive.
	ErrInvalidLiquidity = errors.New("pricing: liquidity parameter must be positive")

	// ErrPriceBoundExceeded is returned when an impact fill would push the
	// outcome price beyond [model.MinPrice, model.MaxPrice].
	ErrPriceBoundExceeded = errors.New("pricing: trade would push price beyond allowed bounds")
)

// lmsrScale is the rounding applied to LMSR cost values before they are
// divided into per-share prices.
const lmsrScale int32 = 8

// MarketMaker implements the Logarithmic Market Scoring Rule cost function
// for a binary market. It is stateless: outstanding quantities are passed in.
//
//	C(q) = b * ln(exp(q1/b) + exp(q2/b))
//
// Transcendental math runs in float64 using the log-sum-exp trick and is
// converted back to decimal immediately.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a market maker with liquidity parameter b.
// Higher b means lower price impact per share.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if !b.IsPositive() {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// QuantitySpread is the quantity difference q − qOther at which the first
// outcome is priced at p:
//
//	q − qOther = b * ln(p / (1 − p))
//
// p is clamped to the tradable range first.
func (m *MarketMaker) QuantitySpread(p decimal.Decimal) decimal.Decimal {
	pf := model.ClampPrice(p).InexactFloat64()
	return decimal.NewFromFloat(m.b.InexactFloat64() * math.Log(pf/(1-pf))).Round(lmsrScale)
}

// logSumExp computes ln(Σ exp(x_i)) without overflowing for large x.
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Cost computes C(q) for the pair (q, qOther).
func (m *MarketMaker) Cost(q, qOther decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	lse := logSumExp([]float64{q.InexactFloat64() / bf, qOther.InexactFloat64() / bf})
	return decimal.NewFromFloat(bf * lse).Round(lmsrScale)
}

// rawPrice is the unclamped softmax price of the first outcome.
func (m *MarketMaker) rawPrice(q, qOther decimal.Decimal) float64 {
	bf := m.b.InexactFloat64()
	x, y := q.InexactFloat64()/bf, qOther.InexactFloat64()/bf
	maxVal := math.Max(x, y)
	ex := math.Exp(x - maxVal)
	ey := math.Exp(y - maxVal)
	return ex / (ex + ey)
}

// Price is the instantaneous price of the first outcome, rounded to
// model.PriceScale and clamped to the tradable range.
func (m *MarketMaker) Price(q, qOther decimal.Decimal) decimal.Decimal {
	p := decimal.NewFromFloat(m.rawPrice(q, qOther)).Round(model.PriceScale)
	return model.ClampPrice(p)
}

// TradeCost is C(q+delta, qOther) − C(q, qOther). Positive delta buys
// (positive cost), negative delta sells (negative cost, a payout).
func (m *MarketMaker) TradeCost(q, qOther, delta decimal.Decimal) decimal.Decimal {
	return m.Cost(q.Add(delta), qOther).Sub(m.Cost(q, qOther))
}

// FillPrice is the average execution price per share: cost / delta.
func (m *MarketMaker) FillPrice(q, qOther, delta decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return m.Price(q, qOther)
	}
	return m.TradeCost(q, qOther, delta).Div(delta).Round(model.PriceScale)
}

// ValidateTrade reports ErrPriceBoundExceeded when moving q by delta would
// leave the first outcome's price outside the tradable range.
func (m *MarketMaker) ValidateTrade(q, qOther, delta decimal.Decimal) error {
	p := m.rawPrice(q.Add(delta), qOther)
	if p < model.MinPrice.InexactFloat64() || p > model.MaxPrice.InexactFloat64() {
		return ErrPriceBoundExceeded
	}
	return nil
}

// LMSR is the cost-function impact pricer with b set to the market's
// Liquidity. Its state is rebuilt from the outcome's current price on every
// quote, so an impact fill continues from wherever the book last traded.
// TotalShares plays no part: book trades move the price without minting.
type LMSR struct{}

func (LMSR) Name() string { return "lmsr" }

func (LMSR) Quote(market *model.Market, outcomeID string, side model.Side, qty decimal.Decimal) (Quote, error) {
	outcome := market.Outcome(outcomeID)
	if outcome == nil {
		return Quote{}, ErrUnknownOutcome
	}
	mm, err := NewMarketMaker(market.Liquidity)
	if err != nil {
		return Quote{}, err
	}

	delta := qty
	if side == model.SideSell {
		delta = qty.Neg()
	}
	q := mm.QuantitySpread(outcome.Price)
	if err := mm.ValidateTrade(q, decimal.Zero, delta); err != nil {
		return Quote{}, err
	}
	return Quote{
		FillPrice: model.ClampPrice(mm.FillPrice(q, decimal.Zero, delta)),
		NewPrice:  mm.Price(q.Add(delta), decimal.Zero),
	}, nil
}
