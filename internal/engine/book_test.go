package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/orderbook-engine/internal/engine"
	"github.com/atmx/orderbook-engine/internal/model"
)

func TestGetBook(t *testing.T) {
	env := newEnv(t, engine.Options{})
	buyer := env.user("100")
	seller := env.user("0")
	env.grant(seller, env.yes, "10", "0.5")

	env.limit(buyer, model.SideBuy, "0.40", "3")
	env.limit(buyer, model.SideBuy, "0.40", "2")
	env.limit(buyer, model.SideBuy, "0.45", "1")
	env.limit(seller, model.SideSell, "0.60", "4")
	env.limit(seller, model.SideSell, "0.65", "1")

	book, err := env.eng.GetBook(env.ctx, env.yes, 0)
	require.NoError(t, err)

	require.Len(t, book.Bids, 2)
	assertDec(t, "0.45", book.Bids[0].Price)
	assertDec(t, "1", book.Bids[0].Quantity)
	assertDec(t, "0.40", book.Bids[1].Price)
	assertDec(t, "5", book.Bids[1].Quantity)
	assert.Equal(t, 2, book.Bids[1].Orders)

	require.Len(t, book.Asks, 2)
	assertDec(t, "0.60", book.Asks[0].Price)
	require.NotNil(t, book.Spread)
	assertDec(t, "0.15", *book.Spread)
	assert.Nil(t, book.LastTradePrice)

	top, err := env.eng.GetBook(env.ctx, env.yes, 1)
	require.NoError(t, err)
	assert.Len(t, top.Bids, 1)
	assert.Len(t, top.Asks, 1)

	env.limit(buyer, model.SideBuy, "0.62", "1")
	book, err = env.eng.GetBook(env.ctx, env.yes, 0)
	require.NoError(t, err)
	require.NotNil(t, book.LastTradePrice)
	assertDec(t, "0.60", *book.LastTradePrice)
	assertDec(t, "3", book.Asks[0].Quantity)
}

func TestGetBook_Empty(t *testing.T) {
	env := newEnv(t, engine.Options{})

	book, err := env.eng.GetBook(env.ctx, env.no, 0)
	require.NoError(t, err)
	assert.NotNil(t, book.Bids)
	assert.NotNil(t, book.Asks)
	assert.Nil(t, book.Spread)

	_, err = env.eng.GetBook(env.ctx, "missing", 0)
	assert.True(t, engine.IsNotFound(err))
}

func TestPortfolio(t *testing.T) {
	env := newEnv(t, engine.Options{})
	buyer := env.user("100")
	seller := env.user("0")
	env.grant(seller, env.yes, "10", "0.5")

	env.limit(buyer, model.SideBuy, "0.60", "10")
	env.limit(seller, model.SideSell, "0.55", "10")

	p, err := env.eng.Portfolio(env.ctx, buyer)
	require.NoError(t, err)
	assertDec(t, "94.5", p.Balance)
	require.Len(t, p.Positions, 1)
	pos := p.Positions[0]
	assert.Equal(t, "Yes", pos.OutcomeName)
	assertDec(t, "10", pos.Shares)
	assertDec(t, "0.55", pos.CurrentPrice)
	assertDec(t, "5.5", pos.CurrentValue)
	assertDec(t, "5.5", pos.CostBasis)
	assertDec(t, "0", pos.UnrealizedPnL)
	assertDec(t, "100", p.TotalValue)
	assert.Len(t, p.RecentTrades, 1)

	sp, err := env.eng.Portfolio(env.ctx, seller)
	require.NoError(t, err)
	assert.Empty(t, sp.Positions, "zeroed positions are hidden")
	assertDec(t, "0.5", sp.RealizedPnL)
	assertDec(t, "5.5", sp.TotalValue)

	_, err = env.eng.Portfolio(env.ctx, "ghost")
	assert.True(t, engine.IsNotFound(err))
}

func TestCreateMarket_Validation(t *testing.T) {
	env := newEnv(t, engine.Options{})

	_, err := env.eng.CreateMarket(env.ctx, "Bad Slug!", "Question?", d("0.5"), d("100"))
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = env.eng.CreateMarket(env.ctx, "fine-slug", "Question?", d("1.5"), d("100"))
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = env.eng.CreateUser(env.ctx, "neg", d("-1"))
	assert.ErrorIs(t, err, engine.ErrValidation)
}
