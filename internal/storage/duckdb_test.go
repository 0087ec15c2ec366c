package storage

import (
	"context"
	"testing"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestDuckDBSink creates a new in-memory DuckDB sink with the candle tables
func createTestDuckDBSink(t *testing.T) *DuckDBSink {
	t.Helper()

	sink, err := NewDuckDBSink(":memory:", logger.Discard())
	require.NoError(t, err, "failed to create test DuckDB sink")
	t.Cleanup(func() { _ = sink.Close() })

	require.NoError(t, Prepare(context.Background(), sink, minuteTable, dayTable))
	return sink
}

func TestDuckDBSink_InsertData(t *testing.T) {
	ctx := context.Background()
	sink := createTestDuckDBSink(t)

	start := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)
	rows := createTestRows("BTC_USDT", 250, start)

	n, err := InsertData(ctx, sink, minuteTable, rows, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := sink.Count(ctx, minuteTable)
	require.NoError(t, err)
	assert.Equal(t, int64(250), count)

	latest, err := sink.LatestDate(ctx, minuteTable)
	require.NoError(t, err)
	assert.Equal(t, start.Add(249*time.Minute), latest)

	// decimals are stored as text and come back unchanged
	var amount, high string
	err = sink.DB().QueryRowContext(ctx,
		"SELECT amount, high FROM candles_minute WHERE startTime = ?", rows[7].StartTime).Scan(&amount, &high)
	require.NoError(t, err)
	assert.Equal(t, "1000.000000001", amount)
	assert.Equal(t, rows[7].High.String(), high)
}

func TestDuckDBSink_EmptyTable(t *testing.T) {
	sink := createTestDuckDBSink(t)

	latest, err := sink.LatestDate(context.Background(), dayTable)
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	require.NoError(t, sink.InsertBatch(context.Background(), dayTable, nil))
}

func TestDuckDBSink_Migrations(t *testing.T) {
	ctx := context.Background()
	sink := createTestDuckDBSink(t)
	mm := sink.Migrations(minuteTable, dayTable)

	status, err := mm.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.CurrentVersion)
	assert.Equal(t, 2, status.LatestVersion)
	assert.Zero(t, status.PendingMigrations)
	require.Len(t, status.AppliedMigrations, 2)
	assert.Equal(t, "Candle tables", status.AppliedMigrations[0].Description)

	// a second run is a no-op
	require.NoError(t, sink.Initialize(ctx, minuteTable, dayTable))

	require.NoError(t, mm.Rollback(ctx, 0))
	status, err = mm.GetStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.CurrentVersion)
	assert.Equal(t, 2, status.PendingMigrations)

	_, err = sink.Count(ctx, minuteTable)
	assert.Error(t, err, "table is dropped by the rollback")
}

func TestDuckDBSink_Closed(t *testing.T) {
	sink, err := NewDuckDBSink("", logger.Discard())
	require.NoError(t, err)
	require.NoError(t, sink.HealthCheck(context.Background()))
	require.NoError(t, sink.Close())

	assert.Error(t, sink.HealthCheck(context.Background()))
	err = sink.InsertBatch(context.Background(), minuteTable, createTestRows("BTC_USDT", 1, insertedAt))
	assert.Error(t, err)
}
