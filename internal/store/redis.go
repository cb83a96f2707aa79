package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache once the
// transaction commits; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Transactions (invalidate on commit) ---

func (s *CachedStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.primary.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: tx, cache: s, dirty: make(map[string]struct{})}, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.load(ctx, marketKey(id), &m) {
		return &m, nil
	}

	mk, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, marketKey(id), mk)
	return mk, nil
}

func (s *CachedStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.load(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.store(ctx, positionsKey(userID), positions)
	return positions, nil
}

// BookDepth caches every (side, levels) view of an outcome under one hash so
// a single DEL drops all of them.
func (s *CachedStore) BookDepth(ctx context.Context, outcomeID string, side model.Side, levels int) ([]model.BookLevel, error) {
	field := fmt.Sprintf("%s:%d", side, levels)
	if data, err := s.rdb.HGet(ctx, bookKey(outcomeID), field).Bytes(); err == nil {
		var lvls []model.BookLevel
		if json.Unmarshal(data, &lvls) == nil {
			return lvls, nil
		}
	}

	lvls, err := s.primary.BookDepth(ctx, outcomeID, side, levels)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(lvls); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, bookKey(outcomeID), field, data)
		pipe.Expire(ctx, bookKey(outcomeID), s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Debug("book cache write failed", "outcome", outcomeID, "err", err)
		}
	}
	return lvls, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.store(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetOutcome(ctx context.Context, id string) (*model.Outcome, error) {
	return s.primary.GetOutcome(ctx, id)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListUserOrders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	return s.primary.ListUserOrders(ctx, userID, limit)
}

func (s *CachedStore) ListUserTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.primary.ListUserTrades(ctx, userID, limit)
}

func (s *CachedStore) LastTrade(ctx context.Context, outcomeID string) (*model.Trade, error) {
	return s.primary.LastTrade(ctx, outcomeID)
}

func (s *CachedStore) ListPriceHistory(ctx context.Context, marketID, outcomeID string, limit int) ([]model.PricePoint, error) {
	return s.primary.ListPriceHistory(ctx, marketID, outcomeID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) store(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

func marketKey(id string) string     { return "market:" + id }
func positionsKey(uid string) string { return "positions:" + uid }
func bookKey(outcomeID string) string { return "ob:" + outcomeID }

// cachedTx records which cache keys its writes make stale and drops them
// after a successful commit.
type cachedTx struct {
	Tx
	cache *CachedStore
	dirty map[string]struct{}
}

func (t *cachedTx) touch(key string) { t.dirty[key] = struct{}{} }

func (t *cachedTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	t.touch(positionsKey(p.UserID))
	return t.Tx.UpsertPosition(ctx, p)
}

func (t *cachedTx) UpdateOutcome(ctx context.Context, o *model.Outcome) error {
	t.touch(marketKey(o.MarketID))
	return t.Tx.UpdateOutcome(ctx, o)
}

func (t *cachedTx) AddMarketVolume(ctx context.Context, marketID string, amount decimal.Decimal) error {
	t.touch(marketKey(marketID))
	return t.Tx.AddMarketVolume(ctx, marketID, amount)
}

func (t *cachedTx) InsertOrder(ctx context.Context, o *model.Order) error {
	t.touch(bookKey(o.OutcomeID))
	return t.Tx.InsertOrder(ctx, o)
}

func (t *cachedTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	t.touch(bookKey(o.OutcomeID))
	return t.Tx.UpdateOrder(ctx, o)
}

func (t *cachedTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	keys := make([]string, 0, len(t.dirty))
	for k := range t.dirty {
		keys = append(keys, k)
	}
	t.cache.invalidate(ctx, keys)
	return nil
}
