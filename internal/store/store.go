// Package store defines the persistence interface for the order book engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every engine operation runs inside one Tx. Reads outside a Tx are for
// queries only and must never be mixed into a write path.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a unique key (id, market slug) is taken.
	ErrConflict = errors.New("store: already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// BeginTx starts an atomic unit of work.
	BeginTx(ctx context.Context) (Tx, error)

	// --- Catalog ---

	// CreateUser persists a new user with an opening balance.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// CreateMarket persists a market together with its two outcomes.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market and its outcomes.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// GetOutcome retrieves one outcome.
	GetOutcome(ctx context.Context, id string) (*model.Outcome, error)

	// --- Orders, trades, history ---

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListUserOrders returns a user's orders, newest first.
	ListUserOrders(ctx context.Context, userID string, limit int) ([]model.Order, error)

	// ListUserTrades returns trades in which the user was taker or maker, newest first.
	ListUserTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error)

	// ListUserPositions returns all position rows of a user, including zeroed ones.
	ListUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// BookDepth aggregates resting orders of one side by price level,
	// best price first, capped to levels entries.
	BookDepth(ctx context.Context, outcomeID string, side model.Side, levels int) ([]model.BookLevel, error)

	// LastTrade returns the most recent trade of an outcome.
	LastTrade(ctx context.Context, outcomeID string) (*model.Trade, error)

	// ListPriceHistory returns price samples of a market, oldest first.
	// An empty outcomeID returns samples of both outcomes.
	ListPriceHistory(ctx context.Context, marketID, outcomeID string, limit int) ([]model.PricePoint, error)
}

// Tx is one atomic read-modify-write unit. All mutations become visible on
// Commit or disappear on Rollback. Rollback after Commit is a no-op.
type Tx interface {
	// LockOutcome serializes matching work on one outcome across processes.
	LockOutcome(ctx context.Context, outcomeID string) error

	// --- Ledger rows ---

	GetUserForUpdate(ctx context.Context, id string) (*model.User, error)
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	GetPositionForUpdate(ctx context.Context, userID, outcomeID string) (*model.Position, error)
	UpsertPosition(ctx context.Context, pos *model.Position) error

	// --- Market state ---

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	// UpdateOutcome persists Price and TotalShares.
	UpdateOutcome(ctx context.Context, outcome *model.Outcome) error
	AddMarketVolume(ctx context.Context, marketID string, amount decimal.Decimal) error

	// --- Order repository ---

	// InsertOrder persists a new order and assigns its Seq.
	InsertOrder(ctx context.Context, order *model.Order) error
	GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error)
	// UpdateOrder persists Filled, Status and FilledAt.
	UpdateOrder(ctx context.Context, order *model.Order) error
	// BestOrder returns the highest bid or lowest ask resting on the outcome,
	// earliest first within a price. Returns nil, nil when the side is empty.
	BestOrder(ctx context.Context, outcomeID string, side model.Side) (*model.Order, error)
	// RestingOrders returns up to limit resting orders in priority order.
	RestingOrders(ctx context.Context, outcomeID string, side model.Side, limit int) ([]model.Order, error)

	// --- Append-only logs ---

	InsertTrade(ctx context.Context, trade *model.Trade) error
	InsertPricePoint(ctx context.Context, point *model.PricePoint) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error.
func WithTx(ctx context.Context, st Store, fn func(Tx) error) error {
	tx, err := st.BeginTx(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// priorityLess orders resting orders of one side: best price first, then
// earliest creation, then lowest sequence.
func priorityLess(side model.Side, a, b *model.Order) bool {
	pa, pb := a.LimitPrice(), b.LimitPrice()
	if !pa.Equal(pb) {
		if side == model.SideBuy {
			return pa.GreaterThan(pb)
		}
		return pa.LessThan(pb)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
