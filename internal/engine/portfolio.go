package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/catalog"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

// PositionView is a held position marked to the outcome's current price.
type PositionView struct {
	model.Position
	OutcomeName   string          `json:"outcome_name"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio is a user's cash, marked positions and recent trades.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	TotalValue    decimal.Decimal `json:"total_value"` // balance + marked positions
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Positions     []PositionView  `json:"positions"`
	RecentTrades  []model.Trade   `json:"recent_trades"`
}

// Portfolio marks every open position to market. Zeroed positions are
// hidden but their realized P&L still counts. Cash escrowed by resting buy
// orders is not part of Balance.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*Portfolio, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	trades, err := e.store.ListUserTrades(ctx, userID, RecentTradesLimit)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	p := &Portfolio{
		UserID:        userID,
		Balance:       user.Balance,
		TotalValue:    user.Balance,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   decimal.Zero,
		Positions:     []PositionView{},
		RecentTrades:  trades,
	}
	for _, pos := range positions {
		p.RealizedPnL = p.RealizedPnL.Add(pos.RealizedPnL)
		if !pos.Shares.IsPositive() {
			continue
		}
		outcome, err := e.store.GetOutcome(ctx, pos.OutcomeID)
		if err != nil {
			return nil, err
		}
		view := PositionView{
			Position:     pos,
			OutcomeName:  outcome.Name,
			CurrentPrice: outcome.Price,
			CurrentValue: pos.Shares.Mul(outcome.Price),
			CostBasis:    pos.Shares.Mul(pos.AvgEntryPrice),
		}
		view.UnrealizedPnL = view.CurrentValue.Sub(view.CostBasis)

		p.TotalValue = p.TotalValue.Add(view.CurrentValue)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(view.UnrealizedPnL)
		p.Positions = append(p.Positions, view)
	}
	return p, nil
}

// CreateUser registers a user with an opening balance.
func (e *Engine) CreateUser(ctx context.Context, name string, balance decimal.Decimal) (*model.User, error) {
	if balance.IsNegative() {
		return nil, fmt.Errorf("%w: opening balance must not be negative", ErrValidation)
	}
	u := &model.User{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Balance:   balance,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	slog.Info("user created", "id", u.ID, "name", u.Name, "balance", balance.String())
	return u, nil
}

// CreateMarket builds and persists an active binary market.
func (e *Engine) CreateMarket(ctx context.Context, slug, question string, yesPrice, liquidity decimal.Decimal) (*model.Market, error) {
	m, err := catalog.NewBinaryMarket(slug, question, yesPrice, liquidity, e.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}
	slog.Info("market created",
		"id", m.ID,
		"slug", m.Slug,
		"yes_price", yesPrice.String(),
		"liquidity", m.Liquidity.String(),
	)
	return m, nil
}

// ListMarkets returns every market with its outcomes, newest first.
func (e *Engine) ListMarkets(ctx context.Context) ([]model.Market, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if markets == nil {
		markets = []model.Market{}
	}
	return markets, nil
}

// GetMarket returns one market with its outcomes.
func (e *Engine) GetMarket(ctx context.Context, marketID string) (*model.Market, error) {
	return e.store.GetMarket(ctx, marketID)
}

// ListOrders returns the user's orders, newest first.
func (e *Engine) ListOrders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	orders, err := e.store.ListUserOrders(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []model.Order{}
	}
	return orders, nil
}

// PriceHistory returns price samples of a market, oldest first.
func (e *Engine) PriceHistory(ctx context.Context, marketID, outcomeID string, limit int) ([]model.PricePoint, error) {
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	points, err := e.store.ListPriceHistory(ctx, marketID, outcomeID, limit)
	if err != nil {
		return nil, err
	}
	if points == nil {
		points = []model.PricePoint{}
	}
	return points, nil
}

// IsNotFound reports whether err means a missing user, market, outcome or order.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrOrderNotFound)
}
