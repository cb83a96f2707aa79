package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/orderbook-engine/internal/model"
)

// These tests need live services and are skipped unless
// TEST_DATABASE_URL / TEST_REDIS_URL are set.

func testPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	st := NewPostgresStore(pool)
	require.NoError(t, st.Migrate(ctx))
	return st
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestPostgresStore(t *testing.T) {
	testStoreContract(t, testPostgres(t))
}

func TestPostgresStore_MigrateIdempotent(t *testing.T) {
	st := testPostgres(t)
	assert.NoError(t, st.Migrate(context.Background()))
}

func TestCachedStore(t *testing.T) {
	testStoreContract(t, NewCachedStore(NewMemoryStore(), testRedis(t), time.Minute))
}

func TestCachedStore_InvalidatesOnCommit(t *testing.T) {
	st := NewCachedStore(NewMemoryStore(), testRedis(t), time.Minute)
	ctx := context.Background()
	user, market := fixture(t, st)
	outcome := market.Outcomes[0].ID

	// Warm the cache.
	levels, err := st.BookDepth(ctx, outcome, model.SideBuy, 10)
	require.NoError(t, err)
	assert.Empty(t, levels)
	_, err = st.GetMarket(ctx, market.ID)
	require.NoError(t, err)

	require.NoError(t, WithTx(ctx, st, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, restingOrder(user.ID, market, model.SideBuy, "0.45", "2", time.Now().UTC())); err != nil {
			return err
		}
		return tx.UpdateOutcome(ctx, &model.Outcome{ID: outcome, MarketID: market.ID, Price: d("0.45"), TotalShares: d("0")})
	}))

	levels, err = st.BookDepth(ctx, outcome, model.SideBuy, 10)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.True(t, levels[0].Quantity.Equal(d("2")))

	m, err := st.GetMarket(ctx, market.ID)
	require.NoError(t, err)
	assert.True(t, m.Outcome(outcome).Price.Equal(d("0.45")))
}
