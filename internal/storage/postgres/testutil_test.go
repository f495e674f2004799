package postgres

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestPool starts a throwaway PostgreSQL container, applies the schema
// plus the external coin_metrics table, and stops it when t finishes.
func newTestPool(t *testing.T) *Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test needs docker")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("inference"),
		postgres.WithUsername("inference"),
		postgres.WithPassword("inference"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := NewPool(ctx, dsn, DefaultPoolConfig())
	require.NoError(t, err, "connect")
	t.Cleanup(pool.Close)

	for _, stmt := range append(upMigrations(t), coinMetricsDDL) {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err, "apply schema")
	}
	return pool
}

// upMigrations returns the *.up.sql files of the embedded schema in order.
func upMigrations(t *testing.T) []string {
	t.Helper()
	dir := filepath.Join(moduleRoot(t), "internal", "storage", "migrations", "postgres")
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no postgres migrations in %s", dir)
	sort.Strings(files)

	stmts := make([]string, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		require.NoError(t, err)
		stmts = append(stmts, string(b))
	}
	return stmts
}

func moduleRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		next := filepath.Dir(dir)
		if next == dir {
			t.Fatal("go.mod not found above working directory")
		}
		dir = next
	}
}

// coinMetricsDDL creates the externally owned observation table.
const coinMetricsDDL = `
CREATE TABLE IF NOT EXISTS coin_metrics (
    mint                  TEXT        NOT NULL,
    "timestamp"           TIMESTAMPTZ NOT NULL,
    phase_id_at_time      INTEGER,
    price_open            DOUBLE PRECISION NOT NULL DEFAULT 0,
    price_high            DOUBLE PRECISION NOT NULL DEFAULT 0,
    price_low             DOUBLE PRECISION NOT NULL DEFAULT 0,
    price_close           DOUBLE PRECISION NOT NULL DEFAULT 0,
    market_cap_close      DOUBLE PRECISION NOT NULL DEFAULT 0,
    volume_sol            DOUBLE PRECISION NOT NULL DEFAULT 0,
    buy_volume_sol        DOUBLE PRECISION NOT NULL DEFAULT 0,
    sell_volume_sol       DOUBLE PRECISION NOT NULL DEFAULT 0,
    net_volume_sol        DOUBLE PRECISION NOT NULL DEFAULT 0,
    num_buys              BIGINT NOT NULL DEFAULT 0,
    num_sells             BIGINT NOT NULL DEFAULT 0,
    unique_wallets        BIGINT NOT NULL DEFAULT 0,
    dev_sold_amount       DOUBLE PRECISION,
    volatility_pct        DOUBLE PRECISION,
    avg_trade_size_sol    DOUBLE PRECISION,
    whale_buy_volume_sol  DOUBLE PRECISION,
    whale_sell_volume_sol DOUBLE PRECISION,
    num_whale_buys        BIGINT,
    num_whale_sells       BIGINT,
    buy_pressure_ratio    DOUBLE PRECISION,
    unique_signer_ratio   DOUBLE PRECISION,
    PRIMARY KEY (mint, "timestamp")
)`

// insertObservation writes a coin_metrics row the way the collector would.
func insertObservation(t *testing.T, pool *Pool, mint string, ts time.Time, phase *int, close float64) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO coin_metrics (mint, "timestamp", phase_id_at_time, price_close, price_high, price_open, price_low)
		VALUES ($1, $2, $3, $4, $4, $4, $4)
	`, mint, ts, phasePtr(phase), close)
	require.NoError(t, err)
}

// ptr is a helper to create pointers to values.
func ptr[T any](v T) *T {
	return &v
}
