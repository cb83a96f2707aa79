package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/orderbook-engine/internal/metrics"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/pricing"
	"github.com/atmx/orderbook-engine/internal/store"
)

// MatchResult reports what an explicit matching run produced.
type MatchResult struct {
	OutcomeID string        `json:"outcome_id"`
	Trades    []model.Trade `json:"trades"`
	Passes    int           `json:"passes"`
}

// passResult is the outcome of one bounded matching pass in one transaction.
type passResult struct {
	trades    []model.Trade
	prices    []pricing.PriceUpdate
	truncated bool
}

// Match runs matching passes on an outcome until the book no longer crosses.
// Each pass is its own transaction; a failed pass is rolled back and
// returned, leaving earlier passes committed.
func (e *Engine) Match(ctx context.Context, outcomeID string) (*MatchResult, error) {
	outcome, err := e.store.GetOutcome(ctx, outcomeID)
	if err != nil {
		return nil, err
	}

	res := &MatchResult{OutcomeID: outcomeID, Trades: []model.Trade{}}
	for {
		var pass *passResult
		release, err := e.withOutcome(ctx, outcomeID, func(tx store.Tx) error {
			market, err := tradableMarket(ctx, tx, outcome.MarketID, outcomeID)
			if err != nil {
				return err
			}
			pass, err = e.matchPass(ctx, tx, market, outcomeID)
			return err
		})
		if err != nil {
			metrics.MatchPasses.WithLabelValues("error").Inc()
			return res, err
		}
		res.Passes++
		res.Trades = append(res.Trades, pass.trades...)
		observeTrades(pricing.StrategyBook, pass.trades)
		e.publish(ctx, tradeEvents(pass.trades, pass.prices, e.now()))
		release()

		if !pass.truncated {
			return res, nil
		}
		slog.Warn("match pass truncated", "outcome", outcomeID, "trades", len(pass.trades), "pass", res.Passes)
	}
}

// matchPass repeatedly pairs the best bid with the best ask while they
// cross, trading at the ask price. It stops after e.maxIter trades and
// reports the pass as truncated if the book still crosses at that point.
func (e *Engine) matchPass(ctx context.Context, tx store.Tx, market *model.Market, outcomeID string) (*passResult, error) {
	start := time.Now()
	res := &passResult{}

	for {
		bid, err := tx.BestOrder(ctx, outcomeID, model.SideBuy)
		if err != nil {
			return nil, err
		}
		ask, err := tx.BestOrder(ctx, outcomeID, model.SideSell)
		if err != nil {
			return nil, err
		}
		if bid == nil || ask == nil || bid.LimitPrice().LessThan(ask.LimitPrice()) {
			break
		}
		if len(res.trades) >= e.maxIter {
			res.truncated = true
			break
		}

		trade, upd, err := e.cross(ctx, tx, market, bid, ask)
		if err != nil {
			return nil, err
		}
		res.trades = append(res.trades, *trade)
		res.prices = append(res.prices, *upd)
	}

	metrics.MatchLatency.Observe(time.Since(start).Seconds())
	switch {
	case res.truncated:
		metrics.MatchPasses.WithLabelValues("truncated").Inc()
	case len(res.trades) > 0:
		metrics.MatchPasses.WithLabelValues("crossed").Inc()
	default:
		metrics.MatchPasses.WithLabelValues("idle").Inc()
	}
	return res, nil
}

// cross executes one trade between a crossing bid and ask. Both orders
// already escrowed their side, so settlement is a transfer: the buyer gets
// the shares plus a refund of any price improvement, the seller gets cash.
func (e *Engine) cross(ctx context.Context, tx store.Tx, market *model.Market, bid, ask *model.Order) (*model.Trade, *pricing.PriceUpdate, error) {
	qty := bid.Remaining()
	if ask.Remaining().LessThan(qty) {
		qty = ask.Remaining()
	}
	price := ask.LimitPrice()
	now := e.now()

	if err := bid.ApplyFill(qty, now); err != nil {
		return nil, nil, fmt.Errorf("fill bid %s: %w", bid.ID, err)
	}
	if err := ask.ApplyFill(qty, now); err != nil {
		return nil, nil, fmt.Errorf("fill ask %s: %w", ask.ID, err)
	}
	if err := tx.UpdateOrder(ctx, bid); err != nil {
		return nil, nil, err
	}
	if err := tx.UpdateOrder(ctx, ask); err != nil {
		return nil, nil, err
	}

	// The later of the two orders is the aggressor.
	taker := bid
	if ask.Seq > bid.Seq {
		taker = ask
	}
	trade := &model.Trade{
		ID:          uuid.NewString(),
		MarketID:    market.ID,
		OutcomeID:   bid.OutcomeID,
		BuyOrderID:  &bid.ID,
		SellOrderID: &ask.ID,
		TakerUserID: taker.UserID,
		Price:       price,
		Quantity:    qty,
		Side:        taker.Side,
		ExecutedAt:  now,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, nil, err
	}

	if _, err := e.ledger.AddShares(ctx, tx, bid.UserID, market.ID, bid.OutcomeID, qty, price); err != nil {
		return nil, nil, err
	}
	if _, err := e.escrow.Refund(ctx, tx, bid, qty, price); err != nil {
		return nil, nil, err
	}
	notional := trade.Notional()
	if err := e.ledger.Credit(ctx, tx, ask.UserID, notional); err != nil {
		return nil, nil, err
	}
	if _, err := e.ledger.RealizePnL(ctx, tx, ask.UserID, ask.OutcomeID, qty, price); err != nil {
		return nil, nil, err
	}

	upd, err := e.acct.Record(ctx, tx, market, bid.OutcomeID, price, notional)
	if err != nil {
		return nil, nil, err
	}
	return trade, upd, nil
}
