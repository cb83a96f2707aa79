package engine

import (
	"errors"

	"github.com/atmx/orderbook-engine/internal/pricing"
)

var (
	// ErrValidation is returned for malformed requests: bad side, price
	// outside [0.01, 0.99], non-positive quantity, outcome not in market.
	ErrValidation = errors.New("engine: invalid request")

	// ErrMarketNotActive is returned when trading on a closed or resolved market.
	ErrMarketNotActive = errors.New("engine: market is not active")

	// ErrNoLiquidity is returned when a market order finds nothing to trade against.
	ErrNoLiquidity = pricing.ErrNoLiquidity

	// ErrOrderNotFound is returned when cancelling an unknown order.
	ErrOrderNotFound = errors.New("engine: order not found")

	// ErrNotOwner is returned when cancelling another user's order.
	ErrNotOwner = errors.New("engine: order belongs to another user")

	// ErrInvalidState is returned when cancelling a filled, cancelled or market order.
	ErrInvalidState = errors.New("engine: order is not cancellable")
)
