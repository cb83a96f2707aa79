// Command seed fills a fresh database with demo users, markets and a
// market-maker ladder on every outcome.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/api"
	"github.com/atmx/orderbook-engine/internal/config"
	"github.com/atmx/orderbook-engine/internal/engine"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

type seedMarket struct {
	slug      string
	question  string
	yes       string
	liquidity string
}

var markets = []seedMarket{
	{"openai-ipo-2026", "Will OpenAI IPO in 2026?", "0.25", "150000"},
	{"stripe-ipo-2026", "Will Stripe IPO in 2026?", "0.40", "120000"},
	{"databricks-ipo-100b", "Will Databricks IPO above a $100B valuation?", "0.35", "80000"},
	{"anduril-direct-listing", "Will Anduril go public via direct listing?", "0.10", "40000"},
}

var (
	inventory = decimal.NewFromInt(1000) // shares granted per outcome
	rungSize  = decimal.NewFromInt(100)
	rungTick  = decimal.RequireFromString("0.01")
	rungs     = 3
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	if err := run(context.Background()); err != nil {
		slog.Error("seed failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer pool.Close()
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		st = pg
	} else {
		slog.Warn("DATABASE_URL not set, seeding an in-memory store (dry run)")
		st = store.NewMemoryStore()
	}

	eng := engine.New(st, engine.Options{})

	demo, err := eng.CreateUser(ctx, "demo", decimal.NewFromInt(10000))
	if err != nil {
		return err
	}
	mm, err := eng.CreateUser(ctx, "marketmaker", decimal.NewFromInt(1000000))
	if err != nil {
		return err
	}

	for _, sm := range markets {
		m, err := eng.CreateMarket(ctx, sm.slug, sm.question,
			decimal.RequireFromString(sm.yes), decimal.RequireFromString(sm.liquidity))
		if errors.Is(err, store.ErrConflict) {
			slog.Info("market exists, skipping", "slug", sm.slug)
			continue
		}
		if err != nil {
			return err
		}
		if err := grantInventory(ctx, st, mm.ID, m); err != nil {
			return err
		}
		for _, o := range m.Outcomes {
			if err := postLadder(ctx, eng, mm.ID, m.ID, o); err != nil {
				return fmt.Errorf("ladder %s/%s: %w", m.Slug, o.Name, err)
			}
		}
	}

	slog.Info("seed complete", "demo_user", demo.ID, "market_maker", mm.ID, "markets", len(markets))
	if cfg.JWTSecret != "" {
		token, err := api.NewAuthenticator(cfg.JWTSecret).IssueToken(demo.ID, 30*24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("demo token: %s\n", token)
	}
	return nil
}

// grantInventory mints shares of every outcome to the market maker so it
// can quote asks.
func grantInventory(ctx context.Context, st store.Store, userID string, m *model.Market) error {
	return store.WithTx(ctx, st, func(tx store.Tx) error {
		for _, o := range m.Outcomes {
			if err := tx.UpsertPosition(ctx, &model.Position{
				UserID:        userID,
				MarketID:      m.ID,
				OutcomeID:     o.ID,
				Shares:        inventory,
				AvgEntryPrice: o.Price,
				RealizedPnL:   decimal.Zero,
				UpdatedAt:     time.Now().UTC(),
			}); err != nil {
				return err
			}
			o.TotalShares = o.TotalShares.Add(inventory)
			if err := tx.UpdateOutcome(ctx, &o); err != nil {
				return err
			}
		}
		return nil
	})
}

// postLadder quotes rungs bids below and asks above the outcome price.
// Rungs outside the price bounds are skipped.
func postLadder(ctx context.Context, eng *engine.Engine, userID, marketID string, o model.Outcome) error {
	for i := 1; i <= rungs; i++ {
		offset := rungTick.Mul(decimal.NewFromInt(int64(i)))
		for side, price := range map[model.Side]decimal.Decimal{
			model.SideBuy:  o.Price.Sub(offset),
			model.SideSell: o.Price.Add(offset),
		} {
			if !model.PriceInBounds(price) {
				continue
			}
			_, err := eng.PlaceLimitOrder(ctx, engine.LimitOrderRequest{
				UserID:    userID,
				MarketID:  marketID,
				OutcomeID: o.ID,
				Side:      side,
				Price:     price,
				Quantity:  rungSize,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
