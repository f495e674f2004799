package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-inference/internal/domain"
)

func TestWebhookLogStore_InsertListPrune(t *testing.T) {
	pool := newTestPool(t)

	ctx := context.Background()
	store := NewWebhookLogStore(pool)

	for _, coin := range []string{"A", "B", "A"} {
		l := &domain.WebhookLog{
			DeliveryID:          "d-" + coin,
			CoinID:              coin,
			PredictionTimestamp: base,
			URL:                 "http://hooks.local/x",
			Payload:             []byte(`{"coin_id":"` + coin + `"}`),
			HTTPStatus:          ptr(200),
			Body:                ptr("ok"),
		}
		require.NoError(t, store.Insert(ctx, l))
		assert.NotZero(t, l.ID)
	}

	logs, err := store.List(ctx, "A", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	assert.JSONEq(t, `{"coin_id":"A"}`, string(logs[0].Payload))

	removed, err := store.DeleteBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}
