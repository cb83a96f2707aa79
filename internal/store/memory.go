package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
)

type positionKey struct {
	userID    string
	outcomeID string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A transaction holds the write lock for its whole lifetime, so transactions
// are fully serialized. Rollback replays an undo log.
type MemoryStore struct {
	mu             sync.RWMutex
	users          map[string]model.User
	markets        map[string]model.Market // Outcomes left empty; see marketOutcomes
	marketOutcomes map[string][]string
	outcomes       map[string]model.Outcome
	orders         map[string]model.Order
	positions      map[positionKey]model.Position
	trades         []model.Trade
	history        []model.PricePoint
	seq            int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:          make(map[string]model.User),
		markets:        make(map[string]model.Market),
		marketOutcomes: make(map[string][]string),
		outcomes:       make(map[string]model.Outcome),
		orders:         make(map[string]model.Order),
		positions:      make(map[positionKey]model.Position),
	}
}

func (s *MemoryStore) BeginTx(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &memTx{s: s}, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.Slug == m.Slug {
			return fmt.Errorf("market slug %s: %w", m.Slug, ErrConflict)
		}
	}

	copy := *m
	copy.Outcomes = nil
	s.markets[m.ID] = copy
	ids := make([]string, 0, len(m.Outcomes))
	for _, o := range m.Outcomes {
		s.outcomes[o.ID] = o
		ids = append(ids, o.ID)
	}
	s.marketOutcomes[m.ID] = ids
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.market(id)
}

// market assembles a market with its outcomes. Caller holds a lock.
func (s *MemoryStore) market(id string) (*model.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	for _, oid := range s.marketOutcomes[id] {
		m.Outcomes = append(m.Outcomes, s.outcomes[oid])
	}
	return &m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for id := range s.markets {
		m, _ := s.market(id)
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetOutcome(_ context.Context, id string) (*model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.outcomes[id]
	if !ok {
		return nil, fmt.Errorf("outcome %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (s *MemoryStore) ListUserOrders(_ context.Context, userID string, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq > result[j].Seq })
	return capSlice(result, limit), nil
}

func (s *MemoryStore) ListUserTrades(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if t.TakerUserID == userID || s.ownsOrder(userID, t.BuyOrderID) || s.ownsOrder(userID, t.SellOrderID) {
			result = append(result, t)
		}
	}
	return capSlice(result, limit), nil
}

func (s *MemoryStore) ownsOrder(userID string, orderID *string) bool {
	if orderID == nil {
		return false
	}
	o, ok := s.orders[*orderID]
	return ok && o.UserID == userID
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.userID == userID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

func (s *MemoryStore) BookDepth(_ context.Context, outcomeID string, side model.Side, levels int) ([]model.BookLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPrice := make(map[string]*model.BookLevel)
	for _, o := range s.orders {
		if o.OutcomeID != outcomeID || o.Side != side || !o.IsResting() {
			continue
		}
		rem := o.Remaining()
		if !rem.IsPositive() {
			continue
		}
		key := o.LimitPrice().String()
		lvl, ok := byPrice[key]
		if !ok {
			lvl = &model.BookLevel{Price: o.LimitPrice()}
			byPrice[key] = lvl
		}
		lvl.Quantity = lvl.Quantity.Add(rem)
		lvl.Orders++
	}

	result := make([]model.BookLevel, 0, len(byPrice))
	for _, lvl := range byPrice {
		result = append(result, *lvl)
	}
	sort.Slice(result, func(i, j int) bool {
		if side == model.SideBuy {
			return result[i].Price.GreaterThan(result[j].Price)
		}
		return result[i].Price.LessThan(result[j].Price)
	})
	return capSlice(result, levels), nil
}

func (s *MemoryStore) LastTrade(_ context.Context, outcomeID string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].OutcomeID == outcomeID {
			t := s.trades[i]
			return &t, nil
		}
	}
	return nil, fmt.Errorf("last trade for %s: %w", outcomeID, ErrNotFound)
}

func (s *MemoryStore) ListPriceHistory(_ context.Context, marketID, outcomeID string, limit int) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PricePoint
	for _, p := range s.history {
		if p.MarketID != marketID || (outcomeID != "" && p.OutcomeID != outcomeID) {
			continue
		}
		result = append(result, p)
	}
	// Keep the most recent samples when capped.
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// restingSorted returns resting orders of one side in priority order.
// Caller holds a lock.
func (s *MemoryStore) restingSorted(outcomeID string, side model.Side) []model.Order {
	var result []model.Order
	for _, o := range s.orders {
		if o.OutcomeID == outcomeID && o.Side == side && o.IsResting() && o.Remaining().IsPositive() {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return priorityLess(side, &result[i], &result[j]) })
	return result
}

func capSlice[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

// --- Transaction ---

// memTx mutates the store in place under the write lock and records an
// undo entry before every change.
type memTx struct {
	s    *MemoryStore
	undo []func()
	done bool
}

// remember records how to restore m[k] to its current state.
func remember[K comparable, V any](t *memTx, m map[K]V, k K) {
	prev, existed := m[k]
	t.undo = append(t.undo, func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func (t *memTx) LockOutcome(_ context.Context, _ string) error {
	// The transaction already holds the store-wide write lock.
	return nil
}

func (t *memTx) GetUserForUpdate(_ context.Context, id string) (*model.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (t *memTx) SetBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	u, ok := t.s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	remember(t, t.s.users, userID)
	u.Balance = balance
	t.s.users[userID] = u
	return nil
}

func (t *memTx) GetPositionForUpdate(_ context.Context, userID, outcomeID string) (*model.Position, error) {
	p, ok := t.s.positions[positionKey{userID, outcomeID}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, outcomeID, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) UpsertPosition(_ context.Context, pos *model.Position) error {
	k := positionKey{pos.UserID, pos.OutcomeID}
	remember(t, t.s.positions, k)
	t.s.positions[k] = *pos
	return nil
}

func (t *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	return t.s.market(id)
}

func (t *memTx) UpdateOutcome(_ context.Context, o *model.Outcome) error {
	cur, ok := t.s.outcomes[o.ID]
	if !ok {
		return fmt.Errorf("outcome %s: %w", o.ID, ErrNotFound)
	}
	remember(t, t.s.outcomes, o.ID)
	cur.Price = o.Price
	cur.TotalShares = o.TotalShares
	t.s.outcomes[o.ID] = cur
	return nil
}

func (t *memTx) AddMarketVolume(_ context.Context, marketID string, amount decimal.Decimal) error {
	m, ok := t.s.markets[marketID]
	if !ok {
		return fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	remember(t, t.s.markets, marketID)
	m.Volume = m.Volume.Add(amount)
	t.s.markets[marketID] = m
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if _, ok := t.s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrConflict)
	}
	prevSeq := t.s.seq
	t.undo = append(t.undo, func() { t.s.seq = prevSeq })
	t.s.seq++
	o.Seq = t.s.seq

	remember(t, t.s.orders, o.ID)
	t.s.orders[o.ID] = *o
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id string) (*model.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	cur, ok := t.s.orders[o.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	if o.Filled.GreaterThan(cur.Quantity) {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrOverfill)
	}
	remember(t, t.s.orders, o.ID)
	cur.Filled = o.Filled
	cur.Status = o.Status
	cur.FilledAt = o.FilledAt
	t.s.orders[o.ID] = cur
	return nil
}

func (t *memTx) BestOrder(_ context.Context, outcomeID string, side model.Side) (*model.Order, error) {
	var best *model.Order
	for _, o := range t.s.orders {
		if o.OutcomeID != outcomeID || o.Side != side || !o.IsResting() || !o.Remaining().IsPositive() {
			continue
		}
		if best == nil || priorityLess(side, &o, best) {
			cand := o
			best = &cand
		}
	}
	return best, nil
}

func (t *memTx) RestingOrders(_ context.Context, outcomeID string, side model.Side, limit int) ([]model.Order, error) {
	return capSlice(t.s.restingSorted(outcomeID, side), limit), nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	n := len(t.s.trades)
	t.undo = append(t.undo, func() { t.s.trades = t.s.trades[:n] })
	t.s.trades = append(t.s.trades, *tr)
	return nil
}

func (t *memTx) InsertPricePoint(_ context.Context, p *model.PricePoint) error {
	n := len(t.s.history)
	t.undo = append(t.undo, func() { t.s.history = t.s.history[:n] })
	t.s.history = append(t.s.history, *p)
	return nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}
