package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pump-inference/internal/storage"
)

// PoolConfig sizes the shared connection pool.
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	QueryTimeout    time.Duration // per-query deadline, 0 = none
	ApplicationName string        // reported in pg_stat_activity
}

// DefaultPoolConfig returns min 1, max 10, 60s per query.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MinConns: 1, MaxConns: 10, QueryTimeout: 60 * time.Second, ApplicationName: "pump-inference"}
}

// Pool is the process-wide pgx pool shared by every store.
type Pool struct {
	*pgxpool.Pool
	queryTimeout time.Duration
}

// NewPool connects and pings. The pool is sized by cfg; zero sizes keep
// the pgx defaults.
func NewPool(ctx context.Context, dsn string, cfg PoolConfig) (*Pool, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.HealthCheckPeriod = 30 * time.Second
	if cfg.ApplicationName != "" {
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres %s/%s: %w", pc.ConnConfig.Host, pc.ConnConfig.Database, err)
	}
	return &Pool{Pool: pool, queryTimeout: cfg.QueryTimeout}, nil
}

// Healthy pings the database.
func (p *Pool) Healthy(ctx context.Context) error {
	ctx, cancel := p.queryContext(ctx)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return ioError("ping", err)
	}
	return nil
}

// queryContext applies the per-query deadline.
func (p *Pool) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.queryTimeout)
}

const pgUniqueViolation = "23505"

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// ioError tags a driver failure as transient storage IO.
func ioError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, storage.ErrIO, err)
}
