// Package model defines the core domain types shared across the order book engine.
// All monetary values, prices and share quantities use shopspring/decimal.
// Never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side an order of this side trades against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKind distinguishes resting limit orders from immediate market orders.
type OrderKind string

const (
	KindLimit  OrderKind = "limit"
	KindMarket OrderKind = "market"
)

// OrderStatus is the lifecycle state of an order.
// filled and cancelled are terminal.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// MarketStatus is read-only for the engine; only active markets trade.
type MarketStatus string

const (
	MarketActive   MarketStatus = "active"
	MarketClosed   MarketStatus = "closed"
	MarketResolved MarketStatus = "resolved"
)

// User holds the only mutable cash scalar, Balance (never negative).
type User struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// Market is a binary prediction market with exactly two outcomes.
type Market struct {
	ID        string          `json:"id"`
	Slug      string          `json:"slug"`
	Question  string          `json:"question"`
	Status    MarketStatus    `json:"status"`
	Volume    decimal.Decimal `json:"volume"`    // cumulative cash turnover
	Liquidity decimal.Decimal `json:"liquidity"` // impact pricer parameter
	Outcomes  []Outcome       `json:"outcomes"`
	CreatedAt time.Time       `json:"created_at"`
}

// Complement returns the other outcome of the pair, or nil when outcomeID
// does not belong to the market.
func (m *Market) Complement(outcomeID string) *Outcome {
	if len(m.Outcomes) != 2 {
		return nil
	}
	switch outcomeID {
	case m.Outcomes[0].ID:
		return &m.Outcomes[1]
	case m.Outcomes[1].ID:
		return &m.Outcomes[0]
	}
	return nil
}

// Outcome returns the outcome with the given id, or nil.
func (m *Market) Outcome(outcomeID string) *Outcome {
	for i := range m.Outcomes {
		if m.Outcomes[i].ID == outcomeID {
			return &m.Outcomes[i]
		}
	}
	return nil
}

// Outcome is one side of a binary market. Price is the implied probability.
type Outcome struct {
	ID          string          `json:"id"`
	MarketID    string          `json:"market_id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	TotalShares decimal.Decimal `json:"total_shares"`
}

// Order is a request to buy or sell shares of one outcome.
type Order struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	MarketID  string           `json:"market_id"`
	OutcomeID string           `json:"outcome_id"`
	Side      Side             `json:"side"`
	Kind      OrderKind        `json:"kind"`
	Price     *decimal.Decimal `json:"price"` // nil for market orders
	Quantity  decimal.Decimal  `json:"quantity"`
	Filled    decimal.Decimal  `json:"filled"`
	Status    OrderStatus      `json:"status"`
	Seq       int64            `json:"seq"` // assigned by the store; final priority tie-break
	CreatedAt time.Time        `json:"created_at"`
	FilledAt  *time.Time       `json:"filled_at,omitempty"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// IsResting reports whether the order sits in the book.
func (o *Order) IsResting() bool {
	return o.Kind == KindLimit && (o.Status == StatusOpen || o.Status == StatusPartial)
}

// LimitPrice returns the order price, or zero for market orders.
func (o *Order) LimitPrice() decimal.Decimal {
	if o.Price == nil {
		return decimal.Zero
	}
	return *o.Price
}

// Position is a user's holding in one outcome. Shares excludes shares
// escrowed by resting sell orders.
type Position struct {
	UserID        string          `json:"user_id"`
	MarketID      string          `json:"market_id"`
	OutcomeID     string          `json:"outcome_id"`
	Shares        decimal.Decimal `json:"shares"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Trade is an immutable record of one match. One order reference may be nil
// when the counterparty was the impact pricer rather than an order.
type Trade struct {
	ID          string          `json:"id"`
	MarketID    string          `json:"market_id"`
	OutcomeID   string          `json:"outcome_id"`
	BuyOrderID  *string         `json:"buy_order_id"`
	SellOrderID *string         `json:"sell_order_id"`
	TakerUserID string          `json:"taker_user_id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Side        Side            `json:"side"` // taker side
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Notional is price × quantity.
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// PricePoint is an append-only price history sample.
type PricePoint struct {
	ID         string          `json:"id"`
	MarketID   string          `json:"market_id"`
	OutcomeID  string          `json:"outcome_id"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// BookLevel aggregates resting quantity at one price.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// OrderBook is the aggregated depth view of one outcome.
// Bids are sorted descending, asks ascending.
type OrderBook struct {
	OutcomeID      string           `json:"outcome_id"`
	Bids           []BookLevel      `json:"bids"`
	Asks           []BookLevel      `json:"asks"`
	Spread         *decimal.Decimal `json:"spread"`
	LastTradePrice *decimal.Decimal `json:"last_trade_price"`
}
