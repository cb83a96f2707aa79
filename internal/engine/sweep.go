package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/events"
	"github.com/atmx/orderbook-engine/internal/metrics"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/pricing"
	"github.com/atmx/orderbook-engine/internal/store"
)

// MarketOrderRequest buys or sells a quantity at whatever the book offers.
type MarketOrderRequest struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	Side      model.Side      `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// MarketResult summarizes a market order. A partial fill is a success with
// RemainingQty > 0; the remainder never rests. Truncated is set when the
// sweep stopped at the per-order trade cap rather than on an empty book.
type MarketResult struct {
	Order         *model.Order     `json:"order"`
	Trades        []model.Trade    `json:"trades"`
	FilledQty     decimal.Decimal  `json:"filled_qty"`
	TotalCost     decimal.Decimal  `json:"total_cost"`     // buys: cash paid
	TotalProceeds decimal.Decimal  `json:"total_proceeds"` // sells: cash received
	AvgPrice      decimal.Decimal  `json:"avg_price"`
	RemainingQty  decimal.Decimal  `json:"remaining_qty"`
	Strategy      pricing.Strategy `json:"strategy"`
	Truncated     bool             `json:"truncated"`
}

// sweepState accumulates fills of one market order.
type sweepState struct {
	order  *model.Order
	trades []model.Trade
	prices []pricing.PriceUpdate
	filled decimal.Decimal
	cash   decimal.Decimal
	last   decimal.Decimal

	truncated bool
}

// PlaceMarketOrder fills the order against resting orders of the opposite
// side, best price first, until it is filled or the side is exhausted. When
// that side is empty and an impact pricer is configured the whole quantity
// fills against the pricer instead. The order is recorded as a market order
// that ends filled, or cancelled when a remainder is left.
func (e *Engine) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*MarketResult, error) {
	if err := validateOrder(req.UserID, req.MarketID, req.OutcomeID, req.Side, req.Quantity); err != nil {
		metrics.OrderRejections.WithLabelValues("validation").Inc()
		return nil, err
	}
	if err := e.admit(ctx, req.UserID, req.MarketID, req.OutcomeID, req.Side, req.Quantity); err != nil {
		return nil, err
	}

	st := &sweepState{
		order: &model.Order{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			MarketID:  req.MarketID,
			OutcomeID: req.OutcomeID,
			Side:      req.Side,
			Kind:      model.KindMarket,
			Quantity:  req.Quantity,
			Filled:    decimal.Zero,
			Status:    model.StatusOpen,
			CreatedAt: e.now(),
		},
		filled: decimal.Zero,
		cash:   decimal.Zero,
	}

	var strategy pricing.Strategy
	release, err := e.withOutcome(ctx, req.OutcomeID, func(tx store.Tx) error {
		market, err := tradableMarket(ctx, tx, req.MarketID, req.OutcomeID)
		if err != nil {
			return err
		}
		strategy, err = e.oracle.Choose(ctx, tx, req.OutcomeID, req.Side)
		if err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, st.order); err != nil {
			return err
		}

		if strategy == pricing.StrategyImpact {
			err = e.fillImpact(ctx, tx, market, st)
		} else {
			err = e.sweepBook(ctx, tx, market, st)
		}
		if err != nil {
			return err
		}

		if !st.order.Status.Terminal() {
			st.order.Status = model.StatusCancelled
		}
		return tx.UpdateOrder(ctx, st.order)
	})
	if err != nil {
		e.reject(err)
		return nil, err
	}

	res := &MarketResult{
		Order:         st.order,
		Trades:        st.trades,
		FilledQty:     st.filled,
		TotalCost:     decimal.Zero,
		TotalProceeds: decimal.Zero,
		AvgPrice:      decimal.Zero,
		RemainingQty:  req.Quantity.Sub(st.filled),
		Strategy:      strategy,
		Truncated:     st.truncated,
	}
	if res.Trades == nil {
		res.Trades = []model.Trade{}
	}
	if req.Side == model.SideBuy {
		res.TotalCost = st.cash
	} else {
		res.TotalProceeds = st.cash
	}
	if st.filled.IsPositive() {
		res.AvgPrice = st.cash.Div(st.filled).Round(model.PriceScale)
	}

	if st.truncated {
		slog.Warn("market order sweep truncated", "order_id", st.order.ID, "outcome", req.OutcomeID, "trades", len(st.trades))
	}
	metrics.OrdersPlaced.WithLabelValues(string(model.KindMarket), string(req.Side)).Inc()
	metrics.SweepFillRatio.Observe(st.filled.Div(req.Quantity).InexactFloat64())
	observeTrades(strategy, st.trades)
	slog.Info("market order swept",
		"order_id", st.order.ID,
		"user", req.UserID,
		"outcome", req.OutcomeID,
		"side", req.Side,
		"strategy", strategy,
		"requested", req.Quantity.String(),
		"filled", st.filled.String(),
		"avg_price", res.AvgPrice.String(),
	)

	evs := []events.Event{{
		Type:      events.OrderPlaced,
		MarketID:  req.MarketID,
		OutcomeID: req.OutcomeID,
		Order:     st.order,
		At:        st.order.CreatedAt,
	}}
	e.publish(ctx, append(evs, tradeEvents(st.trades, st.prices, e.now())...))
	release()
	return res, nil
}

// sweepBook walks resting orders of the opposite side, producing at most
// e.maxIter trades. A buying taker pays as it goes and aborts everything on
// insufficient balance; a selling taker must hold the full quantity upfront
// and gets back any unsold shares.
func (e *Engine) sweepBook(ctx context.Context, tx store.Tx, market *model.Market, st *sweepState) error {
	o := st.order
	if o.Side == model.SideSell {
		if _, err := e.ledger.RemoveShares(ctx, tx, o.UserID, o.OutcomeID, o.Quantity); err != nil {
			return err
		}
	}

	for st.filled.LessThan(o.Quantity) {
		budget := e.maxIter - len(st.trades)
		if budget <= 0 {
			st.truncated = true
			break
		}
		makers, err := tx.RestingOrders(ctx, o.OutcomeID, o.Side.Opposite(), budget)
		if err != nil {
			return err
		}
		if len(makers) == 0 {
			break
		}
		for i := range makers {
			if !st.filled.LessThan(o.Quantity) {
				break
			}
			if err := e.fillAgainst(ctx, tx, market, st, &makers[i]); err != nil {
				return err
			}
		}
	}

	if o.Side == model.SideSell {
		if unsold := o.Quantity.Sub(st.filled); unsold.IsPositive() {
			if _, err := e.ledger.ReturnShares(ctx, tx, o.UserID, market.ID, o.OutcomeID, unsold, decimal.Zero); err != nil {
				return err
			}
		}
	}

	if st.filled.IsZero() {
		return nil
	}
	if o.Side == model.SideBuy {
		avg := st.cash.Div(st.filled)
		if _, err := e.ledger.AddShares(ctx, tx, o.UserID, market.ID, o.OutcomeID, st.filled, avg); err != nil {
			return err
		}
	}
	upd, err := e.acct.Record(ctx, tx, market, o.OutcomeID, st.last, st.cash)
	if err != nil {
		return err
	}
	st.prices = append(st.prices, *upd)
	return nil
}

// fillAgainst trades the taker against one resting maker at the maker's price.
func (e *Engine) fillAgainst(ctx context.Context, tx store.Tx, market *model.Market, st *sweepState, maker *model.Order) error {
	o := st.order
	qty := o.Quantity.Sub(st.filled)
	if maker.Remaining().LessThan(qty) {
		qty = maker.Remaining()
	}
	price := maker.LimitPrice()
	cash := price.Mul(qty)
	now := e.now()

	if o.Side == model.SideBuy {
		if err := e.ledger.Debit(ctx, tx, o.UserID, cash); err != nil {
			return err
		}
		if err := e.ledger.Credit(ctx, tx, maker.UserID, cash); err != nil {
			return err
		}
		if _, err := e.ledger.RealizePnL(ctx, tx, maker.UserID, maker.OutcomeID, qty, price); err != nil {
			return err
		}
	} else {
		if _, err := e.ledger.AddShares(ctx, tx, maker.UserID, market.ID, maker.OutcomeID, qty, price); err != nil {
			return err
		}
		if err := e.ledger.Credit(ctx, tx, o.UserID, cash); err != nil {
			return err
		}
		if _, err := e.ledger.RealizePnL(ctx, tx, o.UserID, o.OutcomeID, qty, price); err != nil {
			return err
		}
	}

	if err := maker.ApplyFill(qty, now); err != nil {
		return fmt.Errorf("fill maker %s: %w", maker.ID, err)
	}
	if err := tx.UpdateOrder(ctx, maker); err != nil {
		return err
	}
	if err := o.ApplyFill(qty, now); err != nil {
		return fmt.Errorf("fill market order %s: %w", o.ID, err)
	}

	trade := model.Trade{
		ID:          uuid.NewString(),
		MarketID:    market.ID,
		OutcomeID:   o.OutcomeID,
		TakerUserID: o.UserID,
		Price:       price,
		Quantity:    qty,
		Side:        o.Side,
		ExecutedAt:  now,
	}
	takerID, makerID := o.ID, maker.ID
	if o.Side == model.SideBuy {
		trade.BuyOrderID, trade.SellOrderID = &takerID, &makerID
	} else {
		trade.BuyOrderID, trade.SellOrderID = &makerID, &takerID
	}
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return err
	}

	st.trades = append(st.trades, trade)
	st.filled = st.filled.Add(qty)
	st.cash = st.cash.Add(cash)
	st.last = price
	return nil
}

// fillImpact fills the whole quantity against the configured impact pricer.
// Buys mint outcome shares, sells burn them.
func (e *Engine) fillImpact(ctx context.Context, tx store.Tx, market *model.Market, st *sweepState) error {
	o := st.order
	quote, err := e.oracle.Impact().Quote(market, o.OutcomeID, o.Side, o.Quantity)
	if err != nil {
		return fmt.Errorf("%w: %s pricer: %v", ErrNoLiquidity, e.oracle.Impact().Name(), err)
	}
	cash := quote.FillPrice.Mul(o.Quantity)
	outcome := market.Outcome(o.OutcomeID)

	if o.Side == model.SideBuy {
		if err := e.ledger.Debit(ctx, tx, o.UserID, cash); err != nil {
			return err
		}
		if _, err := e.ledger.AddShares(ctx, tx, o.UserID, market.ID, o.OutcomeID, o.Quantity, quote.FillPrice); err != nil {
			return err
		}
		outcome.TotalShares = outcome.TotalShares.Add(o.Quantity)
	} else {
		if _, err := e.ledger.RemoveShares(ctx, tx, o.UserID, o.OutcomeID, o.Quantity); err != nil {
			return err
		}
		if err := e.ledger.Credit(ctx, tx, o.UserID, cash); err != nil {
			return err
		}
		if _, err := e.ledger.RealizePnL(ctx, tx, o.UserID, o.OutcomeID, o.Quantity, quote.FillPrice); err != nil {
			return err
		}
		outcome.TotalShares = outcome.TotalShares.Sub(o.Quantity)
	}

	now := e.now()
	if err := o.ApplyFill(o.Quantity, now); err != nil {
		return err
	}
	trade := model.Trade{
		ID:          uuid.NewString(),
		MarketID:    market.ID,
		OutcomeID:   o.OutcomeID,
		TakerUserID: o.UserID,
		Price:       quote.FillPrice,
		Quantity:    o.Quantity,
		Side:        o.Side,
		ExecutedAt:  now,
	}
	orderID := o.ID
	if o.Side == model.SideBuy {
		trade.BuyOrderID = &orderID
	} else {
		trade.SellOrderID = &orderID
	}
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return err
	}

	upd, err := e.acct.Record(ctx, tx, market, o.OutcomeID, quote.NewPrice, cash)
	if err != nil {
		return err
	}
	st.trades = append(st.trades, trade)
	st.prices = append(st.prices, *upd)
	st.filled = o.Quantity
	st.cash = cash
	st.last = quote.FillPrice
	return nil
}
