package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/orderbook-engine/internal/engine"
	"github.com/atmx/orderbook-engine/internal/ledger"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/pricing"
)

func (e *testEnv) sweep(userID string, side model.Side, qty string) (*engine.MarketResult, error) {
	return e.eng.PlaceMarketOrder(e.ctx, engine.MarketOrderRequest{
		UserID: userID, MarketID: e.market.ID, OutcomeID: e.yes,
		Side: side, Quantity: d(qty),
	})
}

func TestScenarioB_SweepAsks(t *testing.T) {
	env := newEnv(t, engine.Options{})
	s1 := env.user("0")
	s2 := env.user("0")
	env.grant(s1, env.yes, "20", "0.5")
	env.grant(s2, env.yes, "30", "0.5")
	env.limit(s1, model.SideSell, "0.40", "20")
	env.limit(s2, model.SideSell, "0.45", "30")

	buyer := env.user("100")
	res, err := env.sweep(buyer, model.SideBuy, "50")
	require.NoError(t, err)

	assert.Equal(t, pricing.StrategyBook, res.Strategy)
	require.Len(t, res.Trades, 2)
	assertDec(t, "20", res.Trades[0].Quantity)
	assertDec(t, "0.40", res.Trades[0].Price)
	assertDec(t, "30", res.Trades[1].Quantity)
	assertDec(t, "0.45", res.Trades[1].Price)
	assertDec(t, "50", res.FilledQty)
	assertDec(t, "21.5", res.TotalCost)
	assertDec(t, "0", res.TotalProceeds)
	assertDec(t, "0.43", res.AvgPrice)
	assertDec(t, "0", res.RemainingQty)

	assert.Equal(t, model.KindMarket, res.Order.Kind)
	assert.Nil(t, res.Order.Price)
	assert.Equal(t, model.StatusFilled, res.Order.Status)

	yes, no := env.prices()
	assertDec(t, "0.45", yes, "last trade price")
	assertDec(t, "0.55", no)

	assertDec(t, "78.5", env.balance(buyer))
	assertDec(t, "50", env.position(buyer, env.yes).Shares)
	assertDec(t, "0.43", env.position(buyer, env.yes).AvgEntryPrice)
	assertDec(t, "8", env.balance(s1))
	assertDec(t, "13.5", env.balance(s2))
	assertDec(t, "-2", env.position(s1, env.yes).RealizedPnL)

	// Sweep writes a single price sample for the whole order.
	hist, err := env.eng.PriceHistory(env.ctx, env.market.ID, env.yes, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assertDec(t, "21.5", hist[0].Volume)
}

func TestMarketSell_SweepsBids(t *testing.T) {
	env := newEnv(t, engine.Options{})
	b1 := env.user("100")
	b2 := env.user("100")
	env.limit(b1, model.SideBuy, "0.60", "5")
	env.limit(b2, model.SideBuy, "0.55", "5")

	seller := env.user("0")
	env.grant(seller, env.yes, "8", "0.5")
	res, err := env.sweep(seller, model.SideSell, "8")
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	assertDec(t, "8", res.FilledQty)
	assertDec(t, "4.65", res.TotalProceeds) // 5*0.60 + 3*0.55
	assertDec(t, "0", res.TotalCost)
	assertDec(t, "4.65", env.balance(seller))
	assertDec(t, "0", env.position(seller, env.yes).Shares)
	assertDec(t, "0.65", env.position(seller, env.yes).RealizedPnL)

	assertDec(t, "5", env.position(b1, env.yes).Shares)
	assertDec(t, "3", env.position(b2, env.yes).Shares)
	// b2 keeps 2 shares worth of escrow on the book.
	assertDec(t, "97.25", env.balance(b2))

	yes, _ := env.prices()
	assertDec(t, "0.55", yes)
}

func TestMarketOrder_PartialFillCancelsRemainder(t *testing.T) {
	env := newEnv(t, engine.Options{})
	seller := env.user("0")
	env.grant(seller, env.yes, "5", "0.5")
	env.limit(seller, model.SideSell, "0.40", "5")

	buyer := env.user("100")
	res, err := env.sweep(buyer, model.SideBuy, "8")
	require.NoError(t, err)

	assertDec(t, "5", res.FilledQty)
	assertDec(t, "3", res.RemainingQty)
	assert.Equal(t, model.StatusCancelled, res.Order.Status)
	assertDec(t, "98", env.balance(buyer))

	book, err := env.eng.GetBook(env.ctx, env.yes, 0)
	require.NoError(t, err)
	assert.Empty(t, book.Bids, "remainder of a market order never rests")
}

func TestMarketOrder_SweepStopsAtTradeCap(t *testing.T) {
	env := newEnv(t, engine.Options{MaxMatchIterations: 2})
	seller := env.user("0")
	env.grant(seller, env.yes, "3", "0.5")
	env.limit(seller, model.SideSell, "0.40", "1")
	env.limit(seller, model.SideSell, "0.41", "1")
	env.limit(seller, model.SideSell, "0.42", "1")

	buyer := env.user("100")
	res, err := env.sweep(buyer, model.SideBuy, "3")
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	require.Len(t, res.Trades, 2)
	assertDec(t, "2", res.FilledQty)
	assertDec(t, "1", res.RemainingQty)
	assertDec(t, "0.81", res.TotalCost)
	assert.Equal(t, model.StatusCancelled, res.Order.Status)
	assertDec(t, "99.19", env.balance(buyer))

	book, err := env.eng.GetBook(env.ctx, env.yes, 0)
	require.NoError(t, err)
	require.Len(t, book.Asks, 1, "the ask beyond the cap keeps resting")
	assertDec(t, "0.42", book.Asks[0].Price)
}

func TestMarketSell_ReturnsUnsoldShares(t *testing.T) {
	env := newEnv(t, engine.Options{})
	buyer := env.user("100")
	env.limit(buyer, model.SideBuy, "0.50", "2")

	seller := env.user("0")
	env.grant(seller, env.yes, "6", "0.5")
	res, err := env.sweep(seller, model.SideSell, "6")
	require.NoError(t, err)

	assertDec(t, "2", res.FilledQty)
	assertDec(t, "4", res.RemainingQty)
	assertDec(t, "4", env.position(seller, env.yes).Shares)
}

func TestMarketOrder_NoLiquidity(t *testing.T) {
	env := newEnv(t, engine.Options{})
	buyer := env.user("100")

	_, err := env.sweep(buyer, model.SideBuy, "5")
	assert.ErrorIs(t, err, engine.ErrNoLiquidity)

	orders, err := env.eng.ListOrders(env.ctx, buyer, 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assertDec(t, "100", env.balance(buyer))
}

func TestMarketBuy_InsufficientBalanceAbortsSweep(t *testing.T) {
	env := newEnv(t, engine.Options{})
	seller := env.user("0")
	env.grant(seller, env.yes, "20", "0.5")
	ask := env.limit(seller, model.SideSell, "0.40", "20")

	buyer := env.user("5")
	_, err := env.sweep(buyer, model.SideBuy, "20")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	maker, err := env.st.GetOrder(env.ctx, ask.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, maker.Status)
	assertDec(t, "0", maker.Filled)
	assertDec(t, "5", env.balance(buyer))
	assertDec(t, "0", env.balance(seller))

	trades, err := env.st.ListUserTrades(env.ctx, seller, 0)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestMarketSell_InsufficientShares(t *testing.T) {
	env := newEnv(t, engine.Options{})
	buyer := env.user("100")
	env.limit(buyer, model.SideBuy, "0.50", "10")

	seller := env.user("0")
	env.grant(seller, env.yes, "2", "0.5")
	_, err := env.sweep(seller, model.SideSell, "5")
	assert.ErrorIs(t, err, ledger.ErrInsufficientShares)
	assertDec(t, "2", env.position(seller, env.yes).Shares)
}

func TestMarketOrder_ImpactFallback(t *testing.T) {
	env := newEnv(t, engine.Options{Impact: pricing.Linear{}})
	trader := env.user("100")

	buy, err := env.sweep(trader, model.SideBuy, "10")
	require.NoError(t, err)
	assert.Equal(t, pricing.StrategyImpact, buy.Strategy)
	require.Len(t, buy.Trades, 1)
	assert.Equal(t, buy.Order.ID, *buy.Trades[0].BuyOrderID)
	assert.Nil(t, buy.Trades[0].SellOrderID)
	assertDec(t, "5", buy.TotalCost)
	assertDec(t, "0.5", buy.AvgPrice)
	assert.Equal(t, model.StatusFilled, buy.Order.Status)

	yes, no := env.prices()
	assertDec(t, "0.51", yes)
	assertDec(t, "0.49", no)
	m, err := env.st.GetMarket(env.ctx, env.market.ID)
	require.NoError(t, err)
	assertDec(t, "10", m.Outcome(env.yes).TotalShares)
	assertDec(t, "95", env.balance(trader))

	sell, err := env.sweep(trader, model.SideSell, "10")
	require.NoError(t, err)
	assert.Equal(t, pricing.StrategyImpact, sell.Strategy)
	assertDec(t, "5.1", sell.TotalProceeds)
	assertDec(t, "100.1", env.balance(trader))
	assertDec(t, "0.1", env.position(trader, env.yes).RealizedPnL)

	yes, _ = env.prices()
	assertDec(t, "0.5", yes)
	m, err = env.st.GetMarket(env.ctx, env.market.ID)
	require.NoError(t, err)
	assertDec(t, "0", m.Outcome(env.yes).TotalShares)
}

func TestMarketOrder_LMSRFallbackContinuesFromBookPrice(t *testing.T) {
	env := newEnv(t, engine.Options{Impact: pricing.LMSR{}})
	seller := env.user("0")
	env.grant(seller, env.yes, "1", "0.5")
	env.limit(seller, model.SideSell, "0.90", "1")
	buyer := env.user("100")
	env.limit(buyer, model.SideBuy, "0.90", "1")

	yes, _ := env.prices()
	assertDec(t, "0.9", yes, "book trade price")

	res, err := env.sweep(buyer, model.SideBuy, "1")
	require.NoError(t, err)
	assert.Equal(t, pricing.StrategyImpact, res.Strategy)
	assert.True(t, res.AvgPrice.GreaterThanOrEqual(d("0.90")) && res.AvgPrice.LessThan(d("0.91")),
		"fill should continue from 0.90, got %s", res.AvgPrice)

	yes, no := env.prices()
	assert.True(t, yes.GreaterThan(d("0.90")) && yes.LessThan(d("0.91")),
		"yes price should move up from 0.90, got %s", yes)
	assertDec(t, "1", yes.Add(no))
}

func TestMarketOrder_BookPreferredOverImpact(t *testing.T) {
	env := newEnv(t, engine.Options{Impact: pricing.Linear{}})
	seller := env.user("0")
	env.grant(seller, env.yes, "3", "0.5")
	env.limit(seller, model.SideSell, "0.70", "3")

	buyer := env.user("100")
	res, err := env.sweep(buyer, model.SideBuy, "5")
	require.NoError(t, err)
	assert.Equal(t, pricing.StrategyBook, res.Strategy)
	assertDec(t, "3", res.FilledQty)
	assertDec(t, "2", res.RemainingQty)
}
