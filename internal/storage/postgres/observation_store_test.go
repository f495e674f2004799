package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-inference/internal/storage"
)

func TestObservationStore_Queries(t *testing.T) {
	pool := newTestPool(t)

	ctx := context.Background()
	store := NewObservationStore(pool)

	for minute := 0; minute < 5; minute++ {
		insertObservation(t, pool, "A", base.Add(time.Duration(minute)*time.Minute), ptr(1), float64(minute+1))
	}
	insertObservation(t, pool, "B", base.Add(2*time.Minute), ptr(3), 9)

	insertObservation(t, pool, "C", base.Add(4*time.Minute), ptr(2), 7)

	latest, err := store.LatestAfter(ctx, storage.Cursor{Timestamp: base}, 10)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, "B", latest[0].Mint)
	assert.Equal(t, "A", latest[1].Mint)
	assert.Equal(t, 5.0, latest[1].PriceClose)
	assert.Equal(t, "C", latest[2].Mint)

	// a page ending inside a timestamp resumes at the next mint
	page, err := store.LatestAfter(ctx, storage.Cursor{Timestamp: base.Add(4 * time.Minute), Mint: "A"}, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "C", page[0].Mint)

	page, err = store.LatestAfter(ctx, storage.Cursor{Timestamp: base.Add(4 * time.Minute)}, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	o, err := store.AtOrBefore(ctx, "A", base.Add(150*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3.0, o.PriceClose)
	require.NotNil(t, o.PhaseID)
	assert.Equal(t, 1, *o.PhaseID)

	_, err = store.AtOrBefore(ctx, "A", base.Add(-time.Minute))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rng, err := store.Range(ctx, "A", base, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, rng, 2)

	hist, err := store.History(ctx, "A", base.Add(3*time.Minute), nil, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 3.0, hist[0].PriceClose)
	assert.Equal(t, 4.0, hist[1].PriceClose)

	maxTS, err := store.MaxTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, maxTS.Equal(base.Add(4*time.Minute)))
}
