package database

import (
	"context"
	"testing"

	"binance-market-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := Open(types.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func candle(ts int64, close float64, closed bool) types.CandleData {
	return types.CandleData{
		Timestamp: ts,
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    10,
		Interval:  types.Interval1h,
		IsClosed:  closed,
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(types.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestManager_SaveCandlesSkipsOpen(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	err := m.SaveCandles(ctx, "BTCUSDT", []types.CandleData{
		candle(1000, 100, true),
		candle(2000, 101, true),
		candle(3000, 102, false),
	})
	require.NoError(t, err)

	got, err := m.RecentCandles(ctx, "BTCUSDT", types.Interval1h, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1000), got[0].Timestamp)
	assert.Equal(t, int64(2000), got[1].Timestamp)
	assert.True(t, got[1].IsClosed)
}

func TestManager_SaveCandlesUpsert(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SaveCandles(ctx, "BTCUSDT", []types.CandleData{candle(1000, 100, true)}))
	require.NoError(t, m.SaveCandles(ctx, "BTCUSDT", []types.CandleData{candle(1000, 105, true)}))

	got, err := m.RecentCandles(ctx, "BTCUSDT", types.Interval1h, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 105.0, got[0].Close)
}

func TestManager_RecentCandlesLimitAndFilter(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	var series []types.CandleData
	for i := int64(1); i <= 5; i++ {
		series = append(series, candle(i*1000, float64(100+i), true))
	}
	require.NoError(t, m.SaveCandles(ctx, "BTCUSDT", series))
	require.NoError(t, m.SaveCandles(ctx, "ETHUSDT", []types.CandleData{candle(9000, 2000, true)}))

	got, err := m.RecentCandles(ctx, "BTCUSDT", types.Interval1h, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{3000, 4000, 5000}, []int64{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})

	got, err = m.RecentCandles(ctx, "BTCUSDT", types.Interval1m, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestManager_Health(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	assert.NoError(t, m.Health(context.Background()))
	assert.Equal(t, "sqlite", m.driver)

	require.NoError(t, m.Close())
	assert.Error(t, m.Health(context.Background()))
}
