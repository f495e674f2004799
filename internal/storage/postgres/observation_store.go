package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

// ObservationStore implements storage.ObservationStore over the external
// coin_metrics table. It never writes.
type ObservationStore struct {
	pool *Pool
}

// NewObservationStore creates a new ObservationStore.
func NewObservationStore(pool *Pool) *ObservationStore {
	return &ObservationStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ObservationStore = (*ObservationStore)(nil)

const observationColumns = `
	mint, "timestamp", phase_id_at_time,
	price_open, price_high, price_low, price_close, market_cap_close,
	volume_sol, buy_volume_sol, sell_volume_sol, net_volume_sol,
	num_buys, num_sells, unique_wallets,
	dev_sold_amount, volatility_pct, avg_trade_size_sol,
	whale_buy_volume_sol, whale_sell_volume_sol, num_whale_buys, num_whale_sells,
	buy_pressure_ratio, unique_signer_ratio`

// LatestAfter returns one row per mint: its latest observation, when that
// row sorts after the cursor. Phase filtering is left to the caller so an
// off-phase latest row is seen and skipped rather than replaced by an
// older in-phase one.
func (s *ObservationStore) LatestAfter(ctx context.Context, after storage.Cursor, limit int) ([]*domain.Observation, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	query := `
		SELECT ` + observationColumns + ` FROM (
			SELECT DISTINCT ON (mint) ` + observationColumns + `
			FROM coin_metrics
			WHERE "timestamp" >= $1
			ORDER BY mint, "timestamp" DESC
		) latest
		WHERE "timestamp" > $1 OR ($2::text <> '' AND mint > $2::text)
		ORDER BY "timestamp" ASC, mint ASC
		LIMIT NULLIF($3::int, 0)
	`

	rows, err := s.pool.Query(ctx, query, after.Timestamp, after.Mint, limit)
	if err != nil {
		return nil, ioError("query latest observations", err)
	}
	return collectObservations(rows)
}

// AtOrBefore returns the mint's latest observation at or before t.
func (s *ObservationStore) AtOrBefore(ctx context.Context, mint string, t time.Time) (*domain.Observation, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	query := `
		SELECT ` + observationColumns + `
		FROM coin_metrics
		WHERE mint = $1 AND "timestamp" <= $2
		ORDER BY "timestamp" DESC
		LIMIT 1
	`

	o, err := scanObservation(s.pool.QueryRow(ctx, query, mint, t))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, ioError("query observation at or before", err)
	}
	return o, nil
}

// Range returns observations in (from, to] ascending.
func (s *ObservationStore) Range(ctx context.Context, mint string, from, to time.Time) ([]*domain.Observation, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	query := `
		SELECT ` + observationColumns + `
		FROM coin_metrics
		WHERE mint = $1 AND "timestamp" > $2 AND "timestamp" <= $3
		ORDER BY "timestamp" ASC
	`

	rows, err := s.pool.Query(ctx, query, mint, from, to)
	if err != nil {
		return nil, ioError("query observation range", err)
	}
	return collectObservations(rows)
}

// History returns the most recent observations at or before until, ascending.
func (s *ObservationStore) History(ctx context.Context, mint string, until time.Time, phases []int, limit int) ([]*domain.Observation, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	query := `
		SELECT ` + observationColumns + ` FROM (
			SELECT ` + observationColumns + `
			FROM coin_metrics
			WHERE mint = $1 AND "timestamp" <= $2
			  AND (cardinality($3::int[]) = 0 OR phase_id_at_time = ANY($3::int[]))
			ORDER BY "timestamp" DESC
			LIMIT NULLIF($4::int, 0)
		) recent
		ORDER BY "timestamp" ASC
	`

	rows, err := s.pool.Query(ctx, query, mint, until, int32s(phases), limit)
	if err != nil {
		return nil, ioError("query observation history", err)
	}
	return collectObservations(rows)
}

// MaxTimestamp returns the newest observation timestamp.
func (s *ObservationStore) MaxTimestamp(ctx context.Context) (time.Time, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	var ts *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT max("timestamp") FROM coin_metrics`).Scan(&ts); err != nil {
		return time.Time{}, ioError("query max observation timestamp", err)
	}
	if ts == nil {
		return time.Time{}, storage.ErrNotFound
	}
	return ts.UTC(), nil
}

func scanObservation(row pgx.Row) (*domain.Observation, error) {
	var o domain.Observation
	var phase *int32
	err := row.Scan(
		&o.Mint, &o.Timestamp, &phase,
		&o.PriceOpen, &o.PriceHigh, &o.PriceLow, &o.PriceClose, &o.MarketCapClose,
		&o.VolumeSol, &o.BuyVolumeSol, &o.SellVolumeSol, &o.NetVolumeSol,
		&o.NumBuys, &o.NumSells, &o.UniqueWallets,
		&o.DevSoldAmount, &o.VolatilityPct, &o.AvgTradeSizeSol,
		&o.WhaleBuyVolumeSol, &o.WhaleSellVolumeSol, &o.NumWhaleBuys, &o.NumWhaleSells,
		&o.BuyPressureRatio, &o.UniqueSignerRatio,
	)
	if err != nil {
		return nil, err
	}
	o.PhaseID = intFromPtr(phase)
	o.Timestamp = o.Timestamp.UTC()
	return &o, nil
}

func collectObservations(rows pgx.Rows) ([]*domain.Observation, error) {
	defer rows.Close()

	var result []*domain.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, ioError("scan observation", err)
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, ioError("iterate observations", err)
	}
	return result, nil
}

func int32s(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

func phasePtr(p *int) *int32 {
	if p == nil {
		return nil
	}
	v := int32(*p)
	return &v
}

func intFromPtr(p *int32) *int {
	if p == nil {
		return nil
	}
	v := int(*p)
	return &v
}
