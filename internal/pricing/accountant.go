package pricing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

// PriceUpdate describes the outcome pair after an accountant call.
type PriceUpdate struct {
	MarketID        string          `json:"market_id"`
	OutcomeID       string          `json:"outcome_id"`
	Price           decimal.Decimal `json:"price"`
	ComplementID    string          `json:"complement_id"`
	ComplementPrice decimal.Decimal `json:"complement_price"`
	Volume          decimal.Decimal `json:"volume"`
}

// Accountant applies the post-execution bookkeeping shared by every
// strategy: clamp the new price, set the complement to 1 − p, add the cash
// turnover to market volume and append a price history sample.
type Accountant struct {
	now func() time.Time
}

// NewAccountant creates an accountant. A nil clock defaults to time.Now in UTC.
func NewAccountant(now func() time.Time) *Accountant {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Accountant{now: now}
}

// Record updates market (loaded inside tx) so that outcomeID trades at price.
// Any TotalShares changes the caller made on market.Outcomes are persisted
// along with the prices. volume is cash and is never negative.
func (a *Accountant) Record(ctx context.Context, tx store.Tx, market *model.Market, outcomeID string, price, volume decimal.Decimal) (*PriceUpdate, error) {
	outcome, other := market.Outcome(outcomeID), market.Complement(outcomeID)
	if outcome == nil || other == nil {
		return nil, ErrUnknownOutcome
	}

	// Market row first, then outcome rows: the same order in every path.
	if volume.IsPositive() {
		if err := tx.AddMarketVolume(ctx, market.ID, volume); err != nil {
			return nil, err
		}
		market.Volume = market.Volume.Add(volume)
	}

	outcome.Price = model.ClampPrice(price)
	other.Price = model.ComplementPrice(outcome.Price)
	if err := tx.UpdateOutcome(ctx, outcome); err != nil {
		return nil, err
	}
	if err := tx.UpdateOutcome(ctx, other); err != nil {
		return nil, err
	}

	if err := tx.InsertPricePoint(ctx, &model.PricePoint{
		ID:         uuid.NewString(),
		MarketID:   market.ID,
		OutcomeID:  outcome.ID,
		Price:      outcome.Price,
		Volume:     volume,
		RecordedAt: a.now(),
	}); err != nil {
		return nil, err
	}

	return &PriceUpdate{
		MarketID:        market.ID,
		OutcomeID:       outcome.ID,
		Price:           outcome.Price,
		ComplementID:    other.ID,
		ComplementPrice: other.Price,
		Volume:          volume,
	}, nil
}
