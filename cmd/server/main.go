package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/orderbook-engine/internal/api"
	"github.com/atmx/orderbook-engine/internal/config"
	"github.com/atmx/orderbook-engine/internal/engine"
	"github.com/atmx/orderbook-engine/internal/events"
	"github.com/atmx/orderbook-engine/internal/limits"
	"github.com/atmx/orderbook-engine/internal/pricing"
	"github.com/atmx/orderbook-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Event fan-out ---
	hub := api.NewHub()
	go hub.Run(ctx)
	pubs := events.Multi{hub}

	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		go kp.Run(ctx)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Error("kafka close failed", "err", err)
			}
		})
		pubs = append(pubs, kp)
		slog.Info("Kafka event stream enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Engine ---
	impact, err := pricing.NewImpactPricer(cfg.ImpactPricer)
	if err != nil {
		slog.Error("invalid impact pricer", "err", err)
		os.Exit(1)
	}
	var limiter *limits.PositionLimiter
	if l := limits.NewPositionLimiter(cfg.MaxPositionPerOutcome, cfg.MaxPositionPerMarket); l.Enabled() {
		limiter = l
	}

	eng := engine.New(st, engine.Options{
		Impact:             impact,
		Limiter:            limiter,
		Publisher:          pubs,
		MaxMatchIterations: cfg.MaxMatchIterations,
		BookDepth:          cfg.BookDepth,
	})
	slog.Info("engine ready",
		"impact_pricer", cfg.ImpactPricer,
		"max_match_iterations", cfg.MaxMatchIterations,
		"position_limits", limiter.Enabled(),
		"jwt_auth", cfg.JWTSecret != "",
	)

	// --- Server ---
	router := api.NewRouter(api.NewHandler(eng), hub, api.NewAuthenticator(cfg.JWTSecret))
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("orderbook-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down orderbook-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("orderbook-engine stopped")
}
