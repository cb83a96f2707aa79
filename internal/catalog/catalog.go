// Package catalog validates and builds binary markets for the engine.
// Market lifecycle (closing, resolution) is owned elsewhere; this package
// only produces well-formed active markets.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
)

// Outcome names of every binary market.
const (
	OutcomeYes = "Yes"
	OutcomeNo  = "No"
)

// DefaultLiquidity is used when a market is created without one.
var DefaultLiquidity = decimal.NewFromInt(100)

// slugRegex matches lowercase words joined by single hyphens.
// Example: will-it-rain-in-london-2026
var slugRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

const (
	minSlugLen = 3
	maxSlugLen = 80
)

var (
	ErrInvalidSlug      = errors.New("catalog: invalid market slug")
	ErrInvalidQuestion  = errors.New("catalog: question must not be empty")
	ErrInvalidPrice     = errors.New("catalog: initial price out of bounds")
	ErrInvalidLiquidity = errors.New("catalog: liquidity must be positive")
)

// ParseSlug normalizes and validates a market slug.
func ParseSlug(raw string) (string, error) {
	slug := strings.ToLower(strings.TrimSpace(raw))
	if len(slug) < minSlugLen || len(slug) > maxSlugLen {
		return "", fmt.Errorf("%w: %q (length must be %d-%d)", ErrInvalidSlug, raw, minSlugLen, maxSlugLen)
	}
	if !slugRegex.MatchString(slug) {
		return "", fmt.Errorf("%w: %q (expected lowercase words joined by '-')", ErrInvalidSlug, raw)
	}
	return slug, nil
}

// NewBinaryMarket builds an active market with a Yes outcome priced at
// yesPrice and a No outcome priced at 1 − yesPrice. A zero liquidity falls
// back to DefaultLiquidity.
func NewBinaryMarket(slug, question string, yesPrice, liquidity decimal.Decimal, now time.Time) (*model.Market, error) {
	slug, err := ParseSlug(slug)
	if err != nil {
		return nil, err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrInvalidQuestion
	}
	if !model.PriceInBounds(yesPrice) {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidPrice, yesPrice, model.MinPrice, model.MaxPrice)
	}
	if liquidity.IsZero() {
		liquidity = DefaultLiquidity
	}
	if liquidity.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLiquidity, liquidity)
	}

	id := uuid.NewString()
	return &model.Market{
		ID:        id,
		Slug:      slug,
		Question:  question,
		Status:    model.MarketActive,
		Volume:    decimal.Zero,
		Liquidity: liquidity,
		CreatedAt: now,
		Outcomes: []model.Outcome{
			{ID: uuid.NewString(), MarketID: id, Name: OutcomeYes, Price: yesPrice, TotalShares: decimal.Zero},
			{ID: uuid.NewString(), MarketID: id, Name: OutcomeNo, Price: model.ComplementPrice(yesPrice), TotalShares: decimal.Zero},
		},
	}, nil
}
