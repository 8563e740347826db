package db

import (
	"context"
	"testing"
	"time"

	dbconf "github.com/amirphl/loop-trader/internal/db/conf"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests skip automatically when no local postgres is reachable.
func TestPostgresRoundTrip(t *testing.T) {
	cfg, cleanup := dbconf.NewTestConfig(t)
	require.NotNil(t, cfg)
	defer cleanup()

	storage, err := New(cfg.DB)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("Orders", func(t *testing.T) {
		o := sampleOrder("pg-o1", "NEW")
		o.Timestamp, o.UpdatedAt = now, now
		require.NoError(t, storage.SaveOrder(ctx, o))

		got, err := storage.GetOrder(ctx, "pg-o1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Price.Equal(o.Price))
		assert.Equal(t, "NEW", got.Status)

		open, err := storage.GetOpenOrders(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)

		require.NoError(t, storage.UpdateOrderStatus(ctx, "pg-o1", "FILLED", dec("0.5"), dec("1999"), now))
		open, err = storage.GetOpenOrders(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)

		// Saving again upserts rather than duplicating.
		require.NoError(t, storage.SaveOrder(ctx, o))
	})

	t.Run("Events", func(t *testing.T) {
		require.NoError(t, storage.LogEvent(ctx, Event{
			Time:        now,
			Type:        "loop",
			Description: "loop_executed",
			Data:        map[string]any{"net_gain": "0.01694"},
		}))

		events, err := storage.GetEvents(ctx, "loop", now.Add(-time.Minute), now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "loop_executed", events[0].Description)
	})

	t.Run("Loop results", func(t *testing.T) {
		id, err := storage.SaveLoopResult(ctx, LoopResult{
			LoopKey:       "pg-key",
			Path:          "BTC@wallex -> ETH@wallex -> BTC@wallex",
			Direction:     "forward",
			StartCurrency: "BTC@wallex",
			Status:        "completed",
			TradeVolume:   dec("1"),
			TradeScale:    dec("1"),
			GrossGain:     dec("0.02"),
			TotalFee:      dec("0.00306"),
			NetGain:       dec("0.01694"),
			StartedAt:     now,
			FinishedAt:    now.Add(time.Second),
		})
		require.NoError(t, err)
		assert.Positive(t, id)

		results, err := storage.GetLoopResults(ctx, now.Add(-time.Minute), now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].TotalFee.Equal(dec("0.00306")))
	})

	t.Run("Context transaction rolls back together", func(t *testing.T) {
		tx, err := storage.GetDB().Begin()
		require.NoError(t, err)
		txCtx := WithTransaction(ctx, tx)

		require.NoError(t, storage.SaveOrder(txCtx, sampleOrder("pg-tx", "NEW")))
		require.NoError(t, tx.Rollback())

		got, err := storage.GetOrder(ctx, "pg-tx")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
