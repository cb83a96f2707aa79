// Package events carries committed engine activity to outside listeners:
// the websocket hub for browsers and Kafka for downstream services.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/pricing"
)

// Type identifies an event.
type Type string

const (
	OrderPlaced    Type = "order_placed"
	OrderCancelled Type = "order_cancelled"
	TradeExecuted  Type = "trade_executed"
	PriceUpdated   Type = "price_updated"
)

// Event is one committed change. Exactly one of Order, Trade or Price is set.
type Event struct {
	Type      Type                 `json:"type"`
	MarketID  string               `json:"market_id"`
	OutcomeID string               `json:"outcome_id"`
	Order     *model.Order         `json:"order,omitempty"`
	Trade     *model.Trade         `json:"trade,omitempty"`
	Price     *pricing.PriceUpdate `json:"price,omitempty"`
	At        time.Time            `json:"at"`
}

// Publisher delivers events after the transaction producing them committed.
// The engine calls Publish before releasing the outcome lock, so calls for
// one outcome arrive in commit order. Implementations must not block the
// caller for long and never fail it.
type Publisher interface {
	Publish(ctx context.Context, evs ...Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) {}

// Multi fans events out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evs ...Event) {
	if len(evs) == 0 {
		return
	}
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, evs...)
		}
	}
}

// Recorder keeps every published event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, evs ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, evs...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
