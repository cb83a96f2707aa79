// Package engine is the exchange core for binary prediction markets.
//
// It accepts limit and market orders, keeps a price-time priority book per
// outcome, matches crossing orders into trades and settles cash and shares
// atomically. Every state-changing operation on an outcome runs while
// holding that outcome's lock, inside one store transaction:
//
//	outcome key lock → store.Tx (+ Tx.LockOutcome) → row locks
//
// Events are published after the transaction commits and before the
// outcome lock is released.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/escrow"
	"github.com/atmx/orderbook-engine/internal/events"
	"github.com/atmx/orderbook-engine/internal/keylock"
	"github.com/atmx/orderbook-engine/internal/ledger"
	"github.com/atmx/orderbook-engine/internal/limits"
	"github.com/atmx/orderbook-engine/internal/metrics"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/pricing"
	"github.com/atmx/orderbook-engine/internal/store"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultMaxMatchIterations = 500
	DefaultBookDepth          = 10
	RecentTradesLimit         = 50
)

// Options configures an Engine. The zero value is usable.
type Options struct {
	// Impact is the fallback pricer for market orders against an empty
	// book. Nil requires book liquidity.
	Impact pricing.ImpactPricer

	// Limiter rejects buys beyond position limits. Nil disables limits.
	Limiter *limits.PositionLimiter

	// Publisher receives committed events. Nil discards them.
	Publisher events.Publisher

	// MaxMatchIterations caps the trades produced by one matching pass.
	MaxMatchIterations int

	// BookDepth is the default number of levels returned by GetBook.
	BookDepth int

	// Clock supplies timestamps. Nil uses time.Now in UTC.
	Clock func() time.Time
}

// Engine executes orders against a store.
type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	escrow  *escrow.Manager
	oracle  *pricing.Oracle
	acct    *pricing.Accountant
	limiter *limits.PositionLimiter
	pub     events.Publisher
	locks   keylock.Map

	maxIter int
	depth   int
	now     func() time.Time
}

// New creates an engine on top of st.
func New(st store.Store, opts Options) *Engine {
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	pub := opts.Publisher
	if pub == nil {
		pub = events.Nop{}
	}
	maxIter := opts.MaxMatchIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxMatchIterations
	}
	depth := opts.BookDepth
	if depth <= 0 {
		depth = DefaultBookDepth
	}

	l := ledger.New(now)
	return &Engine{
		store:   st,
		ledger:  l,
		escrow:  escrow.NewManager(l),
		oracle:  pricing.NewOracle(opts.Impact),
		acct:    pricing.NewAccountant(now),
		limiter: opts.Limiter,
		pub:     pub,
		maxIter: maxIter,
		depth:   depth,
		now:     now,
	}
}

// withOutcome runs fn in a transaction while holding the outcome lock both
// in process and in the store. On success the in-process lock is still held
// when it returns: the caller publishes the committed events and then calls
// release, so events of one outcome are published in commit order. On error
// the lock is already released.
func (e *Engine) withOutcome(ctx context.Context, outcomeID string, fn func(tx store.Tx) error) (release func(), err error) {
	unlock := e.locks.Lock(outcomeID)

	err = store.WithTx(ctx, e.store, func(tx store.Tx) error {
		if err := tx.LockOutcome(ctx, outcomeID); err != nil {
			return fmt.Errorf("lock outcome %s: %w", outcomeID, err)
		}
		return fn(tx)
	})
	if err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

// tradableMarket loads the market inside tx and checks that it is active
// and owns outcomeID.
func tradableMarket(ctx context.Context, tx store.Tx, marketID, outcomeID string) (*model.Market, error) {
	market, err := tx.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.Outcome(outcomeID) == nil {
		return nil, fmt.Errorf("%w: outcome %s does not belong to market %s", ErrValidation, outcomeID, marketID)
	}
	if market.Status != model.MarketActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrMarketNotActive, market.ID, market.Status)
	}
	return market, nil
}

// checkLimits applies the position limiter to a buy of qty shares. Exposure
// counts settled shares plus the remaining quantity of the user's resting
// orders on the same outcomes.
func (e *Engine) checkLimits(ctx context.Context, userID, marketID, outcomeID string, qty decimal.Decimal) error {
	if !e.limiter.Enabled() {
		return nil
	}
	positions, err := e.store.ListUserPositions(ctx, userID)
	if err != nil {
		return err
	}
	orders, err := e.store.ListUserOrders(ctx, userID, 0)
	if err != nil {
		return err
	}

	exposures := make([]limits.Exposure, 0, len(positions)+len(orders))
	for _, p := range positions {
		exposures = append(exposures, limits.Exposure{OutcomeID: p.OutcomeID, MarketID: p.MarketID, Shares: p.Shares})
	}
	for _, o := range orders {
		if o.IsResting() {
			exposures = append(exposures, limits.Exposure{OutcomeID: o.OutcomeID, MarketID: o.MarketID, Shares: o.Remaining()})
		}
	}
	return e.limiter.CheckBuy(marketID, outcomeID, qty, exposures)
}

// publish hands committed events to the publisher.
func (e *Engine) publish(ctx context.Context, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	e.pub.Publish(ctx, evs...)
}

// observeTrades counts committed trades.
func observeTrades(strategy pricing.Strategy, trades []model.Trade) {
	for i := range trades {
		metrics.TradesTotal.WithLabelValues(string(strategy), string(trades[i].Side)).Inc()
		metrics.MarketVolume.WithLabelValues(trades[i].MarketID).Add(trades[i].Notional().InexactFloat64())
	}
}

func tradeEvents(trades []model.Trade, prices []pricing.PriceUpdate, at time.Time) []events.Event {
	evs := make([]events.Event, 0, len(trades)+len(prices))
	for i := range trades {
		t := trades[i]
		evs = append(evs, events.Event{
			Type:      events.TradeExecuted,
			MarketID:  t.MarketID,
			OutcomeID: t.OutcomeID,
			Trade:     &t,
			At:        t.ExecutedAt,
		})
	}
	for i := range prices {
		p := prices[i]
		evs = append(evs, events.Event{
			Type:      events.PriceUpdated,
			MarketID:  p.MarketID,
			OutcomeID: p.OutcomeID,
			Price:     &p,
			At:        at,
		})
	}
	return evs
}
