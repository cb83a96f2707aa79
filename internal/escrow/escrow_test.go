package escrow_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/orderbook-engine/internal/escrow"
	"github.com/atmx/orderbook-engine/internal/ledger"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func limitOrder(side model.Side, price, qty string) *model.Order {
	p := d(price)
	return &model.Order{
		ID: "o1", UserID: "u1", MarketID: "m1", OutcomeID: "yes",
		Side: side, Kind: model.KindLimit, Price: &p, Quantity: d(qty),
		Status: model.StatusOpen,
	}
}

func setup(t *testing.T, balance, shares string) (*store.MemoryStore, *escrow.Manager) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: "u1", Balance: d(balance), CreatedAt: time.Now()}))
	require.NoError(t, store.WithTx(ctx, st, func(tx store.Tx) error {
		return tx.UpsertPosition(ctx, &model.Position{
			UserID: "u1", MarketID: "m1", OutcomeID: "yes",
			Shares: d(shares), AvgEntryPrice: d("0.5"),
		})
	}))
	return st, escrow.NewManager(ledger.New(nil))
}

func state(t *testing.T, st *store.MemoryStore) (balance, shares decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	u, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	positions, err := st.ListUserPositions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	return u.Balance, positions[0].Shares
}

func TestRequired(t *testing.T) {
	assert.True(t, escrow.Required(limitOrder(model.SideBuy, "0.6", "10")).Equal(d("6")))
	assert.True(t, escrow.Required(limitOrder(model.SideSell, "0.6", "10")).Equal(d("10")))
}

func TestReserveRelease_Buy(t *testing.T) {
	st, m := setup(t, "10", "0")
	ctx := context.Background()
	o := limitOrder(model.SideBuy, "0.6", "10")

	require.NoError(t, store.WithTx(ctx, st, func(tx store.Tx) error { return m.Reserve(ctx, tx, o) }))
	bal, _ := state(t, st)
	assert.True(t, bal.Equal(d("4")), bal.String())

	require.NoError(t, store.WithTx(ctx, st, func(tx store.Tx) error { return m.Release(ctx, tx, o, d("5")) }))
	bal, _ = state(t, st)
	assert.True(t, bal.Equal(d("7")), bal.String())

	err := store.WithTx(ctx, st, func(tx store.Tx) error { return m.Reserve(ctx, tx, limitOrder(model.SideBuy, "0.9", "10")) })
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestReserveRelease_Sell(t *testing.T) {
	st, m := setup(t, "0", "10")
	ctx := context.Background()
	o := limitOrder(model.SideSell, "0.7", "10")

	require.NoError(t, store.WithTx(ctx, st, func(tx store.Tx) error { return m.Reserve(ctx, tx, o) }))
	_, shares := state(t, st)
	assert.True(t, shares.IsZero())

	require.NoError(t, store.WithTx(ctx, st, func(tx store.Tx) error { return m.Release(ctx, tx, o, d("10")) }))
	_, shares = state(t, st)
	assert.True(t, shares.Equal(d("10")))

	err := store.WithTx(ctx, st, func(tx store.Tx) error { return m.Reserve(ctx, tx, limitOrder(model.SideSell, "0.7", "11")) })
	assert.ErrorIs(t, err, ledger.ErrInsufficientShares)
}

func TestReserve_RejectsMarketOrders(t *testing.T) {
	st, m := setup(t, "10", "0")
	ctx := context.Background()
	o := &model.Order{ID: "mk", UserID: "u1", Side: model.SideBuy, Kind: model.KindMarket, Quantity: d("1")}

	err := store.WithTx(ctx, st, func(tx store.Tx) error { return m.Reserve(ctx, tx, o) })
	assert.ErrorIs(t, err, escrow.ErrNotLimitOrder)
	err = store.WithTx(ctx, st, func(tx store.Tx) error { return m.Release(ctx, tx, o, d("1")) })
	assert.ErrorIs(t, err, escrow.ErrNotLimitOrder)
}

func TestRefund(t *testing.T) {
	st, m := setup(t, "0", "0")
	ctx := context.Background()

	var got decimal.Decimal
	require.NoError(t, store.WithTx(ctx, st, func(tx store.Tx) error {
		var err error
		got, err = m.Refund(ctx, tx, limitOrder(model.SideBuy, "0.60", "10"), d("10"), d("0.55"))
		return err
	}))
	assert.True(t, got.Equal(d("0.5")))
	bal, _ := state(t, st)
	assert.True(t, bal.Equal(d("0.5")))

	// No improvement, and sells, refund nothing.
	require.NoError(t, store.WithTx(ctx, st, func(tx store.Tx) error {
		var err error
		if got, err = m.Refund(ctx, tx, limitOrder(model.SideBuy, "0.60", "10"), d("10"), d("0.60")); err != nil {
			return err
		}
		assert.True(t, got.IsZero())
		got, err = m.Refund(ctx, tx, limitOrder(model.SideSell, "0.60", "10"), d("10"), d("0.50"))
		return err
	}))
	assert.True(t, got.IsZero())
}
