package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"binance-market-sync/internal/fetcher"
	"binance-market-sync/internal/ratelimit"
	"binance-market-sync/internal/storage"
	"binance-market-sync/internal/storage/database"
	"binance-market-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApp_NeedsDatabase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  types.Config
		want bool
	}{
		{"no driver", types.Config{Cache: types.CacheConfig{Backend: "sql"}}, false},
		{"sql cache", types.Config{Cache: types.CacheConfig{Backend: "sql"}, Database: types.DatabaseConfig{Driver: "sqlite"}}, true},
		{"archive only", types.Config{Cache: types.CacheConfig{Backend: "memory"}, Database: types.DatabaseConfig{Driver: "sqlite", ArchiveKlines: true}}, true},
		{"memory cache", types.Config{Cache: types.CacheConfig{Backend: "memory"}, Database: types.DatabaseConfig{Driver: "sqlite"}}, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			assert.Equal(t, tt.want, NewApp(&cfg).needsDatabase())
		})
	}
}

func TestApp_NewKV(t *testing.T) {
	t.Parallel()

	app := NewApp(&types.Config{Cache: types.CacheConfig{Backend: "memory"}})
	kv, err := app.newKV()
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryKV{}, kv)

	app = NewApp(&types.Config{Cache: types.CacheConfig{Backend: "sql"}})
	_, err = app.newKV()
	assert.Error(t, err, "sql backend without database")

	app = NewApp(&types.Config{Cache: types.CacheConfig{Backend: "etcd"}})
	_, err = app.newKV()
	assert.Error(t, err)
}

func TestApp_NewKVSQL(t *testing.T) {
	t.Parallel()

	dbConfig := types.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}
	manager, err := database.Open(dbConfig)
	require.NoError(t, err)
	defer manager.Close()

	app := NewApp(&types.Config{Cache: types.CacheConfig{Backend: "sql"}, Database: dbConfig})
	app.dbManager = manager

	kv, err := app.newKV()
	require.NoError(t, err)
	assert.IsType(t, &storage.SQLKV{}, kv)
}

func TestUnknownSymbols(t *testing.T) {
	t.Parallel()

	prices := []fetcher.BinancePrice{{Symbol: "BTCUSDT", Price: "50000"}, {Symbol: "ETHUSDT", Price: "3000"}}
	assert.Empty(t, unknownSymbols(prices, []string{"BTCUSDT", "ETHUSDT"}))
	assert.Equal(t, []string{"FOOUSDT"}, unknownSymbols(prices, []string{"BTCUSDT", "FOOUSDT"}))
}

func TestApp_CheckSymbols(t *testing.T) {
	t.Parallel()

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","price":"50000.00"}]`))
	}))
	defer server.Close()

	app := NewApp(&types.Config{})
	defer app.cancel()
	app.client = fetcher.NewRestClient(server.URL, server.Client(), ratelimit.New(nil), ratelimit.DefaultRetryPolicy())

	app.checkSymbols([]string{"BTCUSDT", "FOOUSDT"})
	assert.Equal(t, 1, calls)
}
