package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/orderbook-engine/internal/engine"
	"github.com/atmx/orderbook-engine/internal/events"
	"github.com/atmx/orderbook-engine/internal/ledger"
	"github.com/atmx/orderbook-engine/internal/limits"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, got.Equal(d(want)), "want %s, got %s %v", want, got, msgAndArgs)
}

// tickingClock returns strictly increasing timestamps so creation order is
// unambiguous.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	st     *store.MemoryStore
	eng    *engine.Engine
	rec    *events.Recorder
	market *model.Market
	yes    string
	no     string
}

func newEnv(t *testing.T, opts engine.Options) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &events.Recorder{}
	if opts.Publisher != nil {
		opts.Publisher = events.Multi{rec, opts.Publisher}
	} else {
		opts.Publisher = rec
	}
	if opts.Clock == nil {
		opts.Clock = tickingClock()
	}
	eng := engine.New(st, opts)

	ctx := context.Background()
	m, err := eng.CreateMarket(ctx, "will-it-rain", "Will it rain tomorrow?", d("0.5"), d("100"))
	require.NoError(t, err)

	return &testEnv{
		t: t, ctx: ctx, st: st, eng: eng, rec: rec,
		market: m, yes: m.Outcomes[0].ID, no: m.Outcomes[1].ID,
	}
}

func (e *testEnv) user(balance string) string {
	e.t.Helper()
	u, err := e.eng.CreateUser(e.ctx, "trader", d(balance))
	require.NoError(e.t, err)
	return u.ID
}

// grant gives a user shares directly, as if bought earlier at avg.
func (e *testEnv) grant(userID, outcomeID, shares, avg string) {
	e.t.Helper()
	err := store.WithTx(e.ctx, e.st, func(tx store.Tx) error {
		return tx.UpsertPosition(e.ctx, &model.Position{
			UserID:        userID,
			MarketID:      e.market.ID,
			OutcomeID:     outcomeID,
			Shares:        d(shares),
			AvgEntryPrice: d(avg),
			UpdatedAt:     time.Now(),
		})
	})
	require.NoError(e.t, err)
}

func (e *testEnv) balance(userID string) decimal.Decimal {
	e.t.Helper()
	u, err := e.st.GetUser(e.ctx, userID)
	require.NoError(e.t, err)
	return u.Balance
}

func (e *testEnv) position(userID, outcomeID string) model.Position {
	e.t.Helper()
	positions, err := e.st.ListUserPositions(e.ctx, userID)
	require.NoError(e.t, err)
	for _, p := range positions {
		if p.OutcomeID == outcomeID {
			return p
		}
	}
	return model.Position{UserID: userID, OutcomeID: outcomeID}
}

func (e *testEnv) limit(userID string, side model.Side, price, qty string) *engine.PlaceResult {
	e.t.Helper()
	res, err := e.eng.PlaceLimitOrder(e.ctx, engine.LimitOrderRequest{
		UserID: userID, MarketID: e.market.ID, OutcomeID: e.yes,
		Side: side, Price: d(price), Quantity: d(qty),
	})
	require.NoError(e.t, err)
	return res
}

func (e *testEnv) prices() (yes, no decimal.Decimal) {
	e.t.Helper()
	m, err := e.st.GetMarket(e.ctx, e.market.ID)
	require.NoError(e.t, err)
	return m.Outcome(e.yes).Price, m.Outcome(e.no).Price
}

// --- Scenarios ---

func TestScenarioA_CrossAtAskPrice(t *testing.T) {
	env := newEnv(t, engine.Options{})
	buyer := env.user("100")
	seller := env.user("0")
	env.grant(seller, env.yes, "10", "0.5")

	buy := env.limit(buyer, model.SideBuy, "0.60", "10")
	assert.Empty(t, buy.Trades)
	assert.Equal(t, model.StatusOpen, buy.Order.Status)
	assertDec(t, "94", env.balance(buyer), "escrow of 6")

	sell := env.limit(seller, model.SideSell, "0.55", "10")
	require.Len(t, sell.Trades, 1)
	tr := sell.Trades[0]
	assertDec(t, "10", tr.Quantity)
	assertDec(t, "0.55", tr.Price)
	assert.Equal(t, buy.Order.ID, *tr.BuyOrderID)
	assert.Equal(t, sell.Order.ID, *tr.SellOrderID)
	assert.Equal(t, model.SideSell, tr.Side)
	assert.Equal(t, seller, tr.TakerUserID)
	assert.Equal(t, model.StatusFilled, sell.Order.Status)

	yes, no := env.prices()
	assertDec(t, "0.55", yes)
	assertDec(t, "0.45", no)

	// Buyer paid 5.5 and got the 0.5 price improvement back.
	assertDec(t, "94.5", env.balance(buyer))
	assertDec(t, "5.5", env.balance(seller))
	assertDec(t, "10", env.position(buyer, env.yes).Shares)
	assertDec(t, "0.55", env.position(buyer, env.yes).AvgEntryPrice)
	assertDec(t, "0", env.position(seller, env.yes).Shares)
	assertDec(t, "0.5", env.position(seller, env.yes).RealizedPnL)

	bought, err := env.st.GetOrder(env.ctx, buy.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, bought.Status)
	require.NotNil(t, bought.FilledAt)

	m, err := env.st.GetMarket(env.ctx, env.market.ID)
	require.NoError(t, err)
	assertDec(t, "5.5", m.Volume)
}

func TestScenarioC_InsufficientBalance(t *testing.T) {
	env := newEnv(t, engine.Options{})
	buyer := env.user("5")

	_, err := env.eng.PlaceLimitOrder(env.ctx, engine.LimitOrderRequest{
		UserID: buyer, MarketID: env.market.ID, OutcomeID: env.yes,
		Side: model.SideBuy, Price: d("0.60"), Quantity: d("10"),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	orders, err := env.eng.ListOrders(env.ctx, buyer, 0)
	require.NoError(t, err)
	assert.Empty(t, orders, "no order may be created")
	assertDec(t, "5", env.balance(buyer))
}

func TestPlaceLimitOrder_InsufficientShares(t *testing.T) {
	env := newEnv(t, engine.Options{})
	seller := env.user("100")
	env.grant(seller, env.yes, "3", "0.5")

	_, err := env.eng.PlaceLimitOrder(env.ctx, engine.LimitOrderRequest{
		UserID: seller, MarketID: env.market.ID, OutcomeID: env.yes,
		Side: model.SideSell, Price: d("0.60"), Quantity: d("5"),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientShares)
	assertDec(t, "3", env.position(seller, env.yes).Shares)
}

func TestPlaceLimitOrder_Validation(t *testing.T) {
	env := newEnv(t, engine.Options{})
	u := env.user("100")

	tests := []struct {
		name string
		req  engine.LimitOrderRequest
	}{
		{"price too low", engine.LimitOrderRequest{Side: model.SideBuy, Price: d("0.005"), Quantity: d("1")}},
		{"price too high", engine.LimitOrderRequest{Side: model.SideBuy, Price: d("1"), Quantity: d("1")}},
		{"zero quantity", engine.LimitOrderRequest{Side: model.SideBuy, Price: d("0.5"), Quantity: d("0")}},
		{"negative quantity", engine.LimitOrderRequest{Side: model.SideSell, Price: d("0.5"), Quantity: d("-2")}},
		{"bad side", engine.LimitOrderRequest{Side: "hold", Price: d("0.5"), Quantity: d("1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.UserID, req.MarketID, req.OutcomeID = u, env.market.ID, env.yes
			_, err := env.eng.PlaceLimitOrder(env.ctx, req)
			assert.ErrorIs(t, err, engine.ErrValidation)
		})
	}

	_, err := env.eng.PlaceLimitOrder(env.ctx, engine.LimitOrderRequest{
		UserID: u, MarketID: env.market.ID, OutcomeID: "not-an-outcome",
		Side: model.SideBuy, Price: d("0.5"), Quantity: d("1"),
	})
	assert.ErrorIs(t, err, engine.ErrValidation)
	assertDec(t, "100", env.balance(u))
}

func TestPlaceLimitOrder_UnknownUser(t *testing.T) {
	env := newEnv(t, engine.Options{})
	_, err := env.eng.PlaceLimitOrder(env.ctx, engine.LimitOrderRequest{
		UserID: "ghost", MarketID: env.market.ID, OutcomeID: env.yes,
		Side: model.SideBuy, Price: d("0.5"), Quantity: d("1"),
	})
	assert.True(t, engine.IsNotFound(err), "got %v", err)
}

func TestPlaceLimitOrder_MarketNotActive(t *testing.T) {
	env := newEnv(t, engine.Options{})
	u := env.user("100")

	closed := *env.market
	closed.ID = "closed-market"
	closed.Slug = "closed-market"
	closed.Status = model.MarketClosed
	closed.Outcomes = []model.Outcome{
		{ID: "closed-yes", MarketID: closed.ID, Name: "Yes", Price: d("0.5")},
		{ID: "closed-no", MarketID: closed.ID, Name: "No", Price: d("0.5")},
	}
	require.NoError(t, env.st.CreateMarket(env.ctx, &closed))

	_, err := env.eng.PlaceLimitOrder(env.ctx, engine.LimitOrderRequest{
		UserID: u, MarketID: closed.ID, OutcomeID: "closed-yes",
		Side: model.SideBuy, Price: d("0.5"), Quantity: d("1"),
	})
	assert.ErrorIs(t, err, engine.ErrMarketNotActive)
	assertDec(t, "100", env.balance(u))
}

// --- Matching properties ---

func TestPriceTimePriority(t *testing.T) {
	env := newEnv(t, engine.Options{})
	early := env.user("100")
	late := env.user("100")
	seller := env.user("0")
	env.grant(seller, env.yes, "5", "0.3")

	first := env.limit(early, model.SideBuy, "0.50", "5")
	second := env.limit(late, model.SideBuy, "0.50", "5")
	better := env.limit(late, model.SideBuy, "0.40", "5")

	sell := env.limit(seller, model.SideSell, "0.40", "5")
	require.Len(t, sell.Trades, 1)
	assert.Equal(t, first.Order.ID, *sell.Trades[0].BuyOrderID, "earlier order at the best price fills first")
	assertDec(t, "0.40", sell.Trades[0].Price, "trades at the ask price")

	for id, want := range map[string]model.OrderStatus{
		first.Order.ID:  model.StatusFilled,
		second.Order.ID: model.StatusOpen,
		better.Order.ID: model.StatusOpen,
	} {
		o, err := env.st.GetOrder(env.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, o.Status, id)
	}
}

func TestPartialFill_FillAccounting(t *testing.T) {
	env := newEnv(t, engine.Options{})
	buyer := env.user("100")
	s1 := env.user("0")
	s2 := env.user("0")
	env.grant(s1, env.yes, "4", "0.5")
	env.grant(s2, env.yes, "3", "0.5")

	bid := env.limit(buyer, model.SideBuy, "0.60", "10")
	env.limit(s1, model.SideSell, "0.60", "4")
	env.limit(s2, model.SideSell, "0.58", "3")

	o, err := env.st.GetOrder(env.ctx, bid.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartial, o.Status)
	assertDec(t, "7", o.Filled)
	assert.Nil(t, o.FilledAt)

	trades, err := env.st.ListUserTrades(env.ctx, buyer, 0)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, tr := range trades {
		if *tr.BuyOrderID == bid.Order.ID {
			sum = sum.Add(tr.Quantity)
		}
	}
	assert.True(t, sum.Equal(o.Filled), "trade quantities %s must equal filled %s", sum, o.Filled)

	// 4@0.60 + 3@0.58 = 4.14 spent, 6 escrowed for the full order,
	// 0.06 improvement refunded, 1.8 still escrowed for the remainder.
	assertDec(t, "94.06", env.balance(buyer))
}

func TestCashAndShareConservation(t *testing.T) {
	env := newEnv(t, engine.Options{})
	buyer := env.user("100")
	seller := env.user("100")
	env.grant(seller, env.yes, "20", "0.4")

	totalCash := func() decimal.Decimal {
		total := env.balance(buyer).Add(env.balance(seller))
		for _, uid := range []string{buyer, seller} {
			orders, err := env.eng.ListOrders(env.ctx, uid, 0)
			require.NoError(t, err)
			for _, o := range orders {
				if o.IsResting() && o.Side == model.SideBuy {
					total = total.Add(o.LimitPrice().Mul(o.Remaining()))
				}
			}
		}
		return total
	}
	totalShares := func() decimal.Decimal {
		total := env.position(buyer, env.yes).Shares.Add(env.position(seller, env.yes).Shares)
		orders, err := env.eng.ListOrders(env.ctx, seller, 0)
		require.NoError(t, err)
		for _, o := range orders {
			if o.IsResting() && o.Side == model.SideSell {
				total = total.Add(o.Remaining())
			}
		}
		return total
	}

	assertDec(t, "200", totalCash())
	env.limit(buyer, model.SideBuy, "0.60", "10")
	env.limit(buyer, model.SideBuy, "0.45", "10")
	assertDec(t, "200", totalCash())

	env.limit(seller, model.SideSell, "0.50", "15")
	assertDec(t, "200", totalCash())
	assertDec(t, "20", totalShares())

	env.limit(seller, model.SideSell, "0.45", "5")
	assertDec(t, "200", totalCash())
	assertDec(t, "20", totalShares())
}

func TestComplementInvariant(t *testing.T) {
	env := newEnv(t, engine.Options{})
	buyer := env.user("1000")
	seller := env.user("0")
	env.grant(seller, env.yes, "100", "0.5")

	for _, p := range []string{"0.37", "0.99", "0.01", "0.6123"} {
		env.limit(buyer, model.SideBuy, p, "1")
		env.limit(seller, model.SideSell, p, "1")

		yes, no := env.prices()
		assertDec(t, p, yes)
		assert.True(t, yes.Add(no).Equal(d("1")), "%s + %s != 1", yes, no)
	}

	hist, err := env.eng.PriceHistory(env.ctx, env.market.ID, env.yes, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 4)
}

func TestMatchTruncationContinuesInFreshPass(t *testing.T) {
	env := newEnv(t, engine.Options{MaxMatchIterations: 2})
	buyer := env.user("100")
	seller := env.user("0")
	env.grant(seller, env.yes, "3", "0.5")

	for i := 0; i < 3; i++ {
		env.limit(buyer, model.SideBuy, "0.50", "1")
	}
	sell := env.limit(seller, model.SideSell, "0.50", "3")

	assert.Len(t, sell.Trades, 3)
	assert.Equal(t, model.StatusFilled, sell.Order.Status)
	assertDec(t, "3", env.position(buyer, env.yes).Shares)

	res, err := env.eng.Match(env.ctx, env.yes)
	require.NoError(t, err)
	assert.Empty(t, res.Trades, "book no longer crosses")
	assert.Equal(t, 1, res.Passes)
}

func TestPositionLimit(t *testing.T) {
	env := newEnv(t, engine.Options{Limiter: limits.NewPositionLimiter(d("10"), decimal.Zero)})
	u := env.user("100")

	env.limit(u, model.SideBuy, "0.5", "8")
	_, err := env.eng.PlaceLimitOrder(env.ctx, engine.LimitOrderRequest{
		UserID: u, MarketID: env.market.ID, OutcomeID: env.yes,
		Side: model.SideBuy, Price: d("0.5"), Quantity: d("3"),
	})
	assert.ErrorIs(t, err, limits.ErrPositionLimit)
	assertDec(t, "96", env.balance(u))
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	env := newEnv(t, engine.Options{})
	buyer := env.user("100")
	seller := env.user("0")
	env.grant(seller, env.yes, "10", "0.5")

	env.limit(buyer, model.SideBuy, "0.60", "10")
	env.limit(seller, model.SideSell, "0.55", "10")

	assert.Len(t, env.rec.OfType(events.OrderPlaced), 2)
	require.Len(t, env.rec.OfType(events.TradeExecuted), 1)
	prices := env.rec.OfType(events.PriceUpdated)
	require.Len(t, prices, 1)
	assertDec(t, "0.55", prices[0].Price.Price)
	assertDec(t, "0.45", prices[0].Price.ComplementPrice)

	// A rejected order publishes nothing.
	before := len(env.rec.Events)
	_, err := env.eng.PlaceLimitOrder(env.ctx, engine.LimitOrderRequest{
		UserID: buyer, MarketID: env.market.ID, OutcomeID: env.yes,
		Side: model.SideBuy, Price: d("0.9"), Quantity: d("1000"),
	})
	require.Error(t, err)
	assert.Len(t, env.rec.Events, before)
}

func TestConcurrentPlacementsKeepBookConsistent(t *testing.T) {
	env := newEnv(t, engine.Options{})
	seller := env.user("0")
	env.grant(seller, env.yes, "50", "0.5")
	env.limit(seller, model.SideSell, "0.50", "50")

	var wg sync.WaitGroup
	buyers := make([]string, 10)
	for i := range buyers {
		buyers[i] = env.user("10")
	}
	for _, b := range buyers {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			_, err := env.eng.PlaceLimitOrder(env.ctx, engine.LimitOrderRequest{
				UserID: uid, MarketID: env.market.ID, OutcomeID: env.yes,
				Side: model.SideBuy, Price: d("0.50"), Quantity: d("5"),
			})
			assert.NoError(t, err)
		}(b)
	}
	wg.Wait()

	total := decimal.Zero
	for _, b := range buyers {
		total = total.Add(env.position(b, env.yes).Shares)
		assertDec(t, "7.5", env.balance(b))
	}
	assertDec(t, "50", total)
	assertDec(t, "25", env.balance(seller))
}

// gatedPublisher parks the first Publish call until open is closed.
type gatedPublisher struct {
	once    sync.Once
	entered chan struct{}
	open    chan struct{}
}

func (g *gatedPublisher) Publish(context.Context, ...events.Event) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.open
	}
}

func TestEventsPublishedInCommitOrder(t *testing.T) {
	gate := &gatedPublisher{entered: make(chan struct{}), open: make(chan struct{})}
	env := newEnv(t, engine.Options{Publisher: gate})
	alice := env.user("10")
	bob := env.user("10")

	place := func(uid string, done chan<- struct{}) {
		defer close(done)
		_, err := env.eng.PlaceLimitOrder(env.ctx, engine.LimitOrderRequest{
			UserID: uid, MarketID: env.market.ID, OutcomeID: env.yes,
			Side: model.SideBuy, Price: d("0.40"), Quantity: d("1"),
		})
		assert.NoError(t, err)
	}

	first, second := make(chan struct{}), make(chan struct{})
	go place(alice, first)
	<-gate.entered

	// alice has committed and is publishing; bob must wait for the outcome.
	go place(bob, second)
	select {
	case <-second:
		t.Fatal("second placement finished while the first was still publishing")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.open)
	<-first
	<-second

	placed := env.rec.OfType(events.OrderPlaced)
	require.Len(t, placed, 2)
	assert.Equal(t, alice, placed[0].Order.UserID)
	assert.Equal(t, bob, placed[1].Order.UserID)
}
