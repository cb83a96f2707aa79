package engine

import (
	"context"
	"errors"

	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

// GetBook returns the aggregated top depth levels of each side, the spread
// and the last trade price. depth <= 0 uses the configured default.
func (e *Engine) GetBook(ctx context.Context, outcomeID string, depth int) (*model.OrderBook, error) {
	if depth <= 0 {
		depth = e.depth
	}
	if _, err := e.store.GetOutcome(ctx, outcomeID); err != nil {
		return nil, err
	}

	bids, err := e.store.BookDepth(ctx, outcomeID, model.SideBuy, depth)
	if err != nil {
		return nil, err
	}
	asks, err := e.store.BookDepth(ctx, outcomeID, model.SideSell, depth)
	if err != nil {
		return nil, err
	}
	if bids == nil {
		bids = []model.BookLevel{}
	}
	if asks == nil {
		asks = []model.BookLevel{}
	}

	book := &model.OrderBook{OutcomeID: outcomeID, Bids: bids, Asks: asks}
	if len(bids) > 0 && len(asks) > 0 {
		spread := asks[0].Price.Sub(bids[0].Price)
		book.Spread = &spread
	}

	last, err := e.store.LastTrade(ctx, outcomeID)
	switch {
	case err == nil:
		book.LastTradePrice = &last.Price
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return book, nil
}
