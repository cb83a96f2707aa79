package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/events"
	"github.com/atmx/orderbook-engine/internal/ledger"
	"github.com/atmx/orderbook-engine/internal/limits"
	"github.com/atmx/orderbook-engine/internal/metrics"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/pricing"
	"github.com/atmx/orderbook-engine/internal/store"
)

// LimitOrderRequest places a resting order at a fixed price.
type LimitOrderRequest struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	Side      model.Side      `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// PlaceResult is the order after matching together with the trades it took part in.
type PlaceResult struct {
	Order  *model.Order  `json:"order"`
	Trades []model.Trade `json:"trades"`
}

func validateOrder(userID, marketID, outcomeID string, side model.Side, qty decimal.Decimal) error {
	var problems []string
	if userID == "" {
		problems = append(problems, "user is required")
	}
	if marketID == "" || outcomeID == "" {
		problems = append(problems, "market and outcome are required")
	}
	if !side.Valid() {
		problems = append(problems, fmt.Sprintf("side must be buy or sell, got %q", side))
	}
	if !qty.IsPositive() {
		problems = append(problems, "quantity must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// PlaceLimitOrder escrows the order's cash (buy) or shares (sell), inserts
// it into the book and runs matching on the outcome. Placement and the
// first matching pass commit together; if that pass was truncated further
// passes run in their own transactions.
func (e *Engine) PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (*PlaceResult, error) {
	if err := validateOrder(req.UserID, req.MarketID, req.OutcomeID, req.Side, req.Quantity); err != nil {
		metrics.OrderRejections.WithLabelValues("validation").Inc()
		return nil, err
	}
	if !model.PriceInBounds(req.Price) {
		metrics.OrderRejections.WithLabelValues("validation").Inc()
		return nil, fmt.Errorf("%w: price %s outside [%s, %s]", ErrValidation, req.Price, model.MinPrice, model.MaxPrice)
	}
	if err := e.admit(ctx, req.UserID, req.MarketID, req.OutcomeID, req.Side, req.Quantity); err != nil {
		return nil, err
	}

	price := req.Price
	order := &model.Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		MarketID:  req.MarketID,
		OutcomeID: req.OutcomeID,
		Side:      req.Side,
		Kind:      model.KindLimit,
		Price:     &price,
		Quantity:  req.Quantity,
		Filled:    decimal.Zero,
		Status:    model.StatusOpen,
		CreatedAt: e.now(),
	}

	var pass *passResult
	release, err := e.withOutcome(ctx, req.OutcomeID, func(tx store.Tx) error {
		market, err := tradableMarket(ctx, tx, req.MarketID, req.OutcomeID)
		if err != nil {
			return err
		}
		if err := e.escrow.Reserve(ctx, tx, order); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		pass, err = e.matchPass(ctx, tx, market, req.OutcomeID)
		return err
	})
	if err != nil {
		e.reject(err)
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(model.KindLimit), string(req.Side)).Inc()
	observeTrades(pricing.StrategyBook, pass.trades)
	slog.Info("order placed",
		"order_id", order.ID,
		"user", order.UserID,
		"outcome", order.OutcomeID,
		"side", order.Side,
		"price", price.String(),
		"qty", order.Quantity.String(),
		"trades", len(pass.trades),
	)

	evs := []events.Event{{
		Type:      events.OrderPlaced,
		MarketID:  order.MarketID,
		OutcomeID: order.OutcomeID,
		Order:     order,
		At:        order.CreatedAt,
	}}
	e.publish(ctx, append(evs, tradeEvents(pass.trades, pass.prices, e.now())...))
	release()

	trades := pass.trades
	if pass.truncated {
		slog.Warn("match pass truncated", "outcome", req.OutcomeID, "trades", len(pass.trades))
		more, err := e.Match(ctx, req.OutcomeID)
		if more != nil {
			trades = append(trades, more.Trades...)
		}
		if err != nil {
			slog.Error("follow-up matching failed", "outcome", req.OutcomeID, "err", err)
		}
	}

	// Reload: matching may have filled the order in this or a later pass.
	final, err := e.store.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &PlaceResult{Order: final, Trades: involving(trades, order.ID)}, nil
}

// admit runs the checks that need no lock: the user exists and, for buys,
// the position limiter allows the extra shares.
func (e *Engine) admit(ctx context.Context, userID, marketID, outcomeID string, side model.Side, qty decimal.Decimal) error {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		metrics.OrderRejections.WithLabelValues("unknown_user").Inc()
		return err
	}
	if side != model.SideBuy {
		return nil
	}
	if err := e.checkLimits(ctx, userID, marketID, outcomeID, qty); err != nil {
		if errors.Is(err, limits.ErrPositionLimit) {
			metrics.PositionLimitRejections.Inc()
		}
		return err
	}
	return nil
}

// reject counts a failed placement by reason.
func (e *Engine) reject(err error) {
	reason := "internal"
	switch {
	case errors.Is(err, ErrValidation):
		reason = "validation"
	case errors.Is(err, ErrMarketNotActive):
		reason = "market_not_active"
	case errors.Is(err, ErrNoLiquidity):
		reason = "no_liquidity"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		reason = "insufficient_balance"
	case errors.Is(err, ledger.ErrInsufficientShares):
		reason = "insufficient_shares"
	case errors.Is(err, store.ErrNotFound):
		reason = "not_found"
	}
	metrics.OrderRejections.WithLabelValues(reason).Inc()
}

// involving filters trades that reference orderID on either side.
func involving(trades []model.Trade, orderID string) []model.Trade {
	out := []model.Trade{}
	for _, t := range trades {
		if (t.BuyOrderID != nil && *t.BuyOrderID == orderID) || (t.SellOrderID != nil && *t.SellOrderID == orderID) {
			out = append(out, t)
		}
	}
	return out
}
