package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// BeginTx opens a READ COMMITTED transaction. Rows touched by the engine
// are locked explicitly with FOR UPDATE and per-outcome advisory locks.
func (s *PostgresStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, balance, created_at) VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Name, u.Balance.String(), u.CreatedAt)
	return conflict(err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.pool, id, false)
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO markets (id, slug, question, status, volume, liquidity, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
			m.ID, m.Slug, m.Question, string(m.Status),
			m.Volume.String(), m.Liquidity.String(), m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert market %s: %w", m.Slug, conflict(err))
		}
		for i, o := range m.Outcomes {
			_, err := tx.Exec(ctx,
				`INSERT INTO outcomes (id, market_id, position, name, price, total_shares)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC)`,
				o.ID, m.ID, i, o.Name, o.Price.String(), o.TotalShares.String())
			if err != nil {
				return fmt.Errorf("insert outcome %s: %w", o.Name, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		markets = append(markets, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range markets {
		outcomes, err := listOutcomes(ctx, s.pool, markets[i].ID)
		if err != nil {
			return nil, err
		}
		markets[i].Outcomes = outcomes
	}
	return markets, nil
}

func (s *PostgresStore) GetOutcome(ctx context.Context, id string) (*model.Outcome, error) {
	var o model.Outcome
	var price, shares string
	err := s.pool.QueryRow(ctx,
		`SELECT id, market_id, name, price::TEXT, total_shares::TEXT FROM outcomes WHERE id = $1`, id).
		Scan(&o.ID, &o.MarketID, &o.Name, &price, &shares)
	if err != nil {
		return nil, notFound(err, "outcome", id)
	}
	o.Price = dec(price)
	o.TotalShares = dec(shares)
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return o, nil
}

func (s *PostgresStore) ListUserOrders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1
		 ORDER BY seq DESC LIMIT NULLIF($2::INT, 0)`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListUserTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.market_id, t.outcome_id, t.buy_order_id, t.sell_order_id, t.taker_user_id,
		        t.price::TEXT, t.quantity::TEXT, t.side, t.executed_at
		 FROM trades t
		 LEFT JOIN orders b ON b.id = t.buy_order_id
		 LEFT JOIN orders s ON s.id = t.sell_order_id
		 WHERE t.taker_user_id = $1 OR b.user_id = $1 OR s.user_id = $1
		 ORDER BY t.executed_at DESC LIMIT NULLIF($2::INT, 0)`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) BookDepth(ctx context.Context, outcomeID string, side model.Side, levels int) ([]model.BookLevel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT price::TEXT, SUM(quantity - filled)::TEXT, COUNT(*)
		 FROM orders
		 WHERE outcome_id = $1 AND side = $2 AND kind = 'limit'
		   AND status IN ('open', 'partial') AND quantity > filled
		 GROUP BY price
		 ORDER BY price `+priceDirection(side)+`
		 LIMIT NULLIF($3::INT, 0)`, outcomeID, string(side), levels)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.BookLevel
	for rows.Next() {
		var price, qty string
		var lvl model.BookLevel
		if err := rows.Scan(&price, &qty, &lvl.Orders); err != nil {
			return nil, err
		}
		lvl.Price = dec(price)
		lvl.Quantity = dec(qty)
		result = append(result, lvl)
	}
	return result, rows.Err()
}

func (s *PostgresStore) LastTrade(ctx context.Context, outcomeID string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT id, market_id, outcome_id, buy_order_id, sell_order_id, taker_user_id,
		        price::TEXT, quantity::TEXT, side, executed_at
		 FROM trades WHERE outcome_id = $1 ORDER BY executed_at DESC LIMIT 1`, outcomeID))
	if err != nil {
		return nil, notFound(err, "last trade for", outcomeID)
	}
	return t, nil
}

func (s *PostgresStore) ListPriceHistory(ctx context.Context, marketID, outcomeID string, limit int) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, outcome_id, price, volume, recorded_at FROM (
		   SELECT id, market_id, outcome_id, price::TEXT AS price, volume::TEXT AS volume, recorded_at
		   FROM price_history
		   WHERE market_id = $1 AND ($2 = '' OR outcome_id = $2)
		   ORDER BY recorded_at DESC LIMIT NULLIF($3::INT, 0)
		 ) h ORDER BY recorded_at`, marketID, outcomeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var price, volume string
		if err := rows.Scan(&p.ID, &p.MarketID, &p.OutcomeID, &price, &volume, &p.RecordedAt); err != nil {
			return nil, err
		}
		p.Price = dec(price)
		p.Volume = dec(volume)
		points = append(points, p)
	}
	return points, rows.Err()
}

// --- Transaction ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockOutcome(ctx context.Context, outcomeID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, outcomeID)
	if err != nil {
		return fmt.Errorf("lock outcome %s: %w", outcomeID, err)
	}
	return nil
}

func (t *pgTx) GetUserForUpdate(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, t.tx, id, true)
}

func (t *pgTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`, userID, balance.String())
	if err != nil {
		return fmt.Errorf("set balance %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetPositionForUpdate(ctx context.Context, userID, outcomeID string) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND outcome_id = $2 FOR UPDATE`, userID, outcomeID))
	if err != nil {
		return nil, notFound(err, "position", userID+"/"+outcomeID)
	}
	return p, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, outcome_id, shares, avg_entry_price, realized_pnl, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (user_id, outcome_id) DO UPDATE SET
		   shares = EXCLUDED.shares,
		   avg_entry_price = EXCLUDED.avg_entry_price,
		   realized_pnl = EXCLUDED.realized_pnl,
		   updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID, p.OutcomeID,
		p.Shares.String(), p.AvgEntryPrice.String(), p.RealizedPnL.String(), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.UserID, p.OutcomeID, err)
	}
	return nil
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.tx, id)
}

func (t *pgTx) UpdateOutcome(ctx context.Context, o *model.Outcome) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE outcomes SET price = $2::NUMERIC, total_shares = $3::NUMERIC WHERE id = $1`,
		o.ID, o.Price.String(), o.TotalShares.String())
	if err != nil {
		return fmt.Errorf("update outcome %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outcome %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) AddMarketVolume(ctx context.Context, marketID string, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET volume = volume + $2::NUMERIC WHERE id = $1`, marketID, amount.String())
	if err != nil {
		return fmt.Errorf("add volume %s: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	var price *string
	if o.Price != nil {
		s := o.Price.String()
		price = &s
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (id, user_id, market_id, outcome_id, side, kind, price, quantity, filled, status, created_at, filled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)
		 RETURNING seq`,
		o.ID, o.UserID, o.MarketID, o.OutcomeID, string(o.Side), string(o.Kind),
		price, o.Quantity.String(), o.Filled.String(), string(o.Status), o.CreatedAt, o.FilledAt,
	).Scan(&o.Seq)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET filled = $2::NUMERIC, status = $3, filled_at = $4
		 WHERE id = $1 AND $2::NUMERIC <= quantity`,
		o.ID, o.Filled.String(), string(o.Status), o.FilledAt)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrOverfill)
	}
	return nil
}

func (t *pgTx) BestOrder(ctx context.Context, outcomeID string, side model.Side) (*model.Order, error) {
	orders, err := t.RestingOrders(ctx, outcomeID, side, 1)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

func (t *pgTx) RestingOrders(ctx context.Context, outcomeID string, side model.Side, limit int) ([]model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE outcome_id = $1 AND side = $2 AND kind = 'limit'
		   AND status IN ('open', 'partial') AND quantity > filled
		 ORDER BY price `+priceDirection(side)+`, created_at, seq
		 LIMIT NULLIF($3::INT, 0)
		 FOR UPDATE`, outcomeID, string(side), limit)
	if err != nil {
		return nil, fmt.Errorf("resting orders %s/%s: %w", outcomeID, side, err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, market_id, outcome_id, buy_order_id, sell_order_id, taker_user_id, price, quantity, side, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		tr.ID, tr.MarketID, tr.OutcomeID, tr.BuyOrderID, tr.SellOrderID, tr.TakerUserID,
		tr.Price.String(), tr.Quantity.String(), string(tr.Side), tr.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, err)
	}
	return nil
}

func (t *pgTx) InsertPricePoint(ctx context.Context, p *model.PricePoint) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO price_history (id, market_id, outcome_id, price, volume, recorded_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		p.ID, p.MarketID, p.OutcomeID, p.Price.String(), p.Volume.String(), p.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert price point: %w", err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// --- Shared queries and scanning ---

const (
	marketColumns   = `id, slug, question, status, volume::TEXT, liquidity::TEXT, created_at`
	positionColumns = `user_id, market_id, outcome_id, shares::TEXT, avg_entry_price::TEXT, realized_pnl::TEXT, updated_at`
	orderColumns    = `id, seq, user_id, market_id, outcome_id, side, kind, price::TEXT,
		quantity::TEXT, filled::TEXT, status, created_at, filled_at`
)

func priceDirection(side model.Side) string {
	if side == model.SideBuy {
		return "DESC"
	}
	return "ASC"
}

func getUser(ctx context.Context, q querier, id string, forUpdate bool) (*model.User, error) {
	sql := `SELECT id, name, balance::TEXT, created_at FROM users WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var u model.User
	var balance string
	if err := q.QueryRow(ctx, sql, id).Scan(&u.ID, &u.Name, &balance, &u.CreatedAt); err != nil {
		return nil, notFound(err, "user", id)
	}
	u.Balance = dec(balance)
	return &u, nil
}

func getMarket(ctx context.Context, q querier, id string) (*model.Market, error) {
	m, err := scanMarket(q.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "market", id)
	}
	m.Outcomes, err = listOutcomes(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func listOutcomes(ctx context.Context, q querier, marketID string) ([]model.Outcome, error) {
	rows, err := q.Query(ctx,
		`SELECT id, market_id, name, price::TEXT, total_shares::TEXT
		 FROM outcomes WHERE market_id = $1 ORDER BY position`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var price, shares string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Name, &price, &shares); err != nil {
			return nil, err
		}
		o.Price = dec(price)
		o.TotalShares = dec(shares)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func scanMarket(row scanner) (*model.Market, error) {
	var m model.Market
	var status, volume, liquidity string
	if err := row.Scan(&m.ID, &m.Slug, &m.Question, &status, &volume, &liquidity, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Status = model.MarketStatus(status)
	m.Volume = dec(volume)
	m.Liquidity = dec(liquidity)
	return &m, nil
}

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var shares, avg, pnl string
	if err := row.Scan(&p.UserID, &p.MarketID, &p.OutcomeID, &shares, &avg, &pnl, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Shares = dec(shares)
	p.AvgEntryPrice = dec(avg)
	p.RealizedPnL = dec(pnl)
	return &p, nil
}

func scanOrder(row scanner) (*model.Order, error) {
	var o model.Order
	var side, kind, status, qty, filled string
	var price *string
	var filledAt *time.Time
	if err := row.Scan(&o.ID, &o.Seq, &o.UserID, &o.MarketID, &o.OutcomeID, &side, &kind,
		&price, &qty, &filled, &status, &o.CreatedAt, &filledAt); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.Kind = model.OrderKind(kind)
	o.Status = model.OrderStatus(status)
	o.Quantity = dec(qty)
	o.Filled = dec(filled)
	o.FilledAt = filledAt
	if price != nil {
		p := dec(*price)
		o.Price = &p
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanTrade(row scanner) (*model.Trade, error) {
	var t model.Trade
	var price, qty, side string
	if err := row.Scan(&t.ID, &t.MarketID, &t.OutcomeID, &t.BuyOrderID, &t.SellOrderID,
		&t.TakerUserID, &price, &qty, &side, &t.ExecutedAt); err != nil {
		return nil, err
	}
	t.Price = dec(price)
	t.Quantity = dec(qty)
	t.Side = model.Side(side)
	return &t, nil
}

// notFound maps pgx.ErrNoRows to ErrNotFound and wraps everything else.
func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

// conflict maps a unique_violation to ErrConflict.
func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
	}
	return err
}

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}
