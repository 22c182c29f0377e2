package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"binance-market-sync/internal/market"
	"binance-market-sync/internal/notifier"
	"binance-market-sync/internal/stream"
	"binance-market-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	status market.Status
	snap   types.Snapshot
}

func (s stubStore) Status() market.Status    { return s.status }
func (s stubStore) Snapshot() types.Snapshot { return s.snap }

type stubLimiter struct {
	windows []types.RateWindow
	until   time.Time
}

func (s stubLimiter) Status() []types.RateWindow { return s.windows }
func (s stubLimiter) BlockedUntil() time.Time    { return s.until }

func newTestReporter(now time.Time) *Reporter {
	snap := types.NewSnapshot()
	snap.Prices["ETHUSDT"] = types.PriceData{Symbol: "ETHUSDT", Price: 3000, ChangePercent24h: -1.5}
	snap.Prices["BTCUSDT"] = types.PriceData{Symbol: "BTCUSDT", Price: 50000, ChangePercent24h: 2}
	snap.Candles["BTCUSDT"] = []types.CandleData{{Timestamp: 1000}, {Timestamp: 2000}}
	snap.LastUpdate = now.Add(-1500 * time.Millisecond).UnixMilli()

	store := stubStore{
		status: market.Status{
			Phase:       market.PhaseReady,
			LastUpdate:  snap.LastUpdate,
			Symbols:     2,
			StreamState: stream.StateConnected,
			Error:       "实时行情不可用",
		},
		snap: snap,
	}
	limiter := stubLimiter{
		windows: []types.RateWindow{{Kind: "REQUEST_WEIGHT", IntervalUnit: "MINUTE", IntervalCount: 1, Limit: 6000, Used: 42}},
		until:   now.Add(time.Minute),
	}

	r := NewReporter(store, limiter, time.Hour)
	r.start = now.Add(-time.Hour)
	r.now = func() time.Time { return now }
	return r
}

func TestReporter_GetMetrics(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1700000000000)
	m := newTestReporter(now).GetMetrics()

	assert.Equal(t, market.PhaseReady, m.Phase)
	assert.Equal(t, "CONNECTED", m.StreamState)
	assert.Equal(t, "1h0m0s", m.RunTime)
	assert.Equal(t, "1.5s", m.DataAge)
	assert.NotEmpty(t, m.Error)

	require.Len(t, m.Symbols, 2)
	assert.Equal(t, "BTCUSDT", m.Symbols[0].Symbol)
	assert.Equal(t, 2, m.Symbols[0].Candles)
	assert.Equal(t, int64(2000), m.Symbols[0].LastCandle)
	assert.Equal(t, "ETHUSDT", m.Symbols[1].Symbol)
	assert.Zero(t, m.Symbols[1].Candles)

	require.Len(t, m.RateWindows, 1)
	assert.Equal(t, 42, m.RateWindows[0].Used)
	require.NotNil(t, m.BlockedUntil)
}

func TestReporter_NoLimiter(t *testing.T) {
	t.Parallel()

	r := NewReporter(stubStore{snap: types.NewSnapshot()}, nil, time.Hour)
	m := r.GetMetrics()

	assert.Empty(t, m.Symbols)
	assert.Empty(t, m.RateWindows)
	assert.Nil(t, m.BlockedUntil)
	assert.Empty(t, m.DataAge)

	r.generateReport(context.Background())
}

func TestReporter_HealthChecks(t *testing.T) {
	t.Parallel()

	rec := &recordingNotifier{}
	r := NewReporter(stubStore{snap: types.NewSnapshot()}, nil, time.Hour)
	r.SetNotifier(rec)
	r.AddHealthCheck("redis", func(context.Context) error { return nil })

	dbErr := errors.New("connection refused")
	r.AddHealthCheck("database", func(context.Context) error { return dbErr })

	m := r.generateReport(context.Background())
	assert.Equal(t, map[string]string{"database": "connection refused"}, m.Unhealthy)

	r.checkHealth(context.Background(), m)
	require.Len(t, rec.notices, 1)
	assert.Equal(t, []string{"database: connection refused"}, rec.notices[0].Detail)

	dbErr = nil
	m = r.generateReport(context.Background())
	assert.Empty(t, m.Unhealthy)
	r.checkHealth(context.Background(), m)
	require.Len(t, rec.notices, 2)
	assert.Equal(t, notifier.LevelRecovery, rec.notices[1].Level)
}

func TestReporter_JSONAndPrint(t *testing.T) {
	t.Parallel()

	r := newTestReporter(time.UnixMilli(1700000000000))

	raw, err := json.Marshal(r.GetMetrics())
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, "READY", decoded["phase"])
	assert.Len(t, decoded["symbols"], 2)

	var buf bytes.Buffer
	r.PrintFormattedReport(&buf)
	out := buf.String()
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "CONNECTED")
	assert.Contains(t, out, "42/6000")
}

type recordingNotifier struct {
	notices []notifier.Notice
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, notice notifier.Notice) error {
	if n.err != nil {
		return n.err
	}
	n.notices = append(n.notices, notice)
	return nil
}

func TestReporter_CheckHealthTransitions(t *testing.T) {
	t.Parallel()

	rec := &recordingNotifier{}
	r := NewReporter(stubStore{snap: types.NewSnapshot()}, nil, time.Hour)
	r.SetNotifier(rec)
	ctx := context.Background()

	r.checkHealth(ctx, Metrics{Phase: market.PhaseReady, StreamState: "CONNECTED"})
	assert.Empty(t, rec.notices, "healthy start is silent")

	failed := Metrics{Phase: market.PhaseReady, StreamState: "FAILED", Error: "实时行情不可用"}
	r.checkHealth(ctx, failed)
	r.checkHealth(ctx, failed)
	require.Len(t, rec.notices, 1, "alert sent once")
	assert.Equal(t, notifier.LevelAlert, rec.notices[0].Level)
	assert.Len(t, rec.notices[0].Detail, 2)

	r.checkHealth(ctx, Metrics{Phase: market.PhaseReady, StreamState: "CONNECTED"})
	require.Len(t, rec.notices, 2)
	assert.Equal(t, notifier.LevelRecovery, rec.notices[1].Level)
}

func TestReporter_CheckHealthRetriesAfterSendFailure(t *testing.T) {
	t.Parallel()

	rec := &recordingNotifier{err: errors.New("webhook down")}
	r := NewReporter(stubStore{snap: types.NewSnapshot()}, nil, time.Hour)
	r.SetNotifier(rec)

	failed := Metrics{Error: "boom"}
	r.checkHealth(context.Background(), failed)
	assert.False(t, r.alerting)

	rec.err = nil
	r.checkHealth(context.Background(), failed)
	assert.True(t, r.alerting)
	assert.Len(t, rec.notices, 1)
}

func TestProblemsOf(t *testing.T) {
	t.Parallel()

	until := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Empty(t, problemsOf(Metrics{StreamState: "RECONNECT_WAIT"}))
	assert.Equal(t, []string{"blocked_until: 2024-01-01T00:00:00Z"}, problemsOf(Metrics{BlockedUntil: &until}))
}
