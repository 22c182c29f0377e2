package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"binance-market-sync/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func testConfig() types.StreamConfig {
	return types.StreamConfig{
		PingInterval:         time.Hour,
		PongTimeout:          time.Hour,
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectAttempts: 3,
		EventBuffer:          100,
	}
}

// newWSServer 每个握手成功的连接都会被送入返回的通道
func newWSServer(t *testing.T) (*httptest.Server, <-chan *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conns := make(chan *websocket.Conn, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(t *testing.T, endpoint string, cfg types.StreamConfig) *Client {
	t.Helper()

	c := NewClient(endpoint, "", cfg)
	t.Cleanup(c.Disconnect)
	return c
}

func accept(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()

	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(waitTimeout):
		t.Fatal("no websocket connection accepted")
		return nil
	}
}

func assertNoConn(t *testing.T, conns <-chan *websocket.Conn, wait time.Duration) {
	t.Helper()

	select {
	case <-conns:
		t.Fatal("unexpected websocket connection")
	case <-time.After(wait):
	}
}

func readRequest(t *testing.T, conn *websocket.Conn) Request {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	var req Request
	require.NoError(t, conn.ReadJSON(&req))
	return req
}

func nextEvent(t *testing.T, c *Client, want EventType) Event {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type == want {
				return ev
			}
		case ev := <-c.Lifecycle():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event received", want)
			return Event{}
		}
	}
}

func TestStreamNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "btcusdt@ticker", TickerStream("BTCUSDT"))
	assert.Equal(t, "ethusdt@kline_1h", KlineStream("ETHUSDT", types.Interval1h))
}

// TestClient_SubscriptionIdempotent 未连接时订阅操作只修改集合
func TestClient_SubscriptionIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "ws://127.0.0.1:1/stream", testConfig())

	c.SubscribeTicker("BTCUSDT")
	c.SubscribeTicker("BTCUSDT")
	c.SubscribeKlines("BTCUSDT", types.Interval1m)
	c.SubscribeKlines("BTCUSDT", types.Interval1m)

	assert.Equal(t, []string{"btcusdt@kline_1m", "btcusdt@ticker"}, c.Subscriptions())

	c.Unsubscribe("nope@ticker")
	c.Unsubscribe("btcusdt@ticker")
	assert.Equal(t, []string{"btcusdt@kline_1m"}, c.Subscriptions())

	c.UnsubscribeAll()
	assert.Empty(t, c.Subscriptions())
	assert.Equal(t, StateDisconnected, c.State())
}

// TestClient_ConnectSendsFullSet 连接成功后一次性发送全部订阅
func TestClient_ConnectSendsFullSet(t *testing.T) {
	t.Parallel()

	srv, conns := newWSServer(t)
	c := newTestClient(t, wsURL(srv), testConfig())

	c.SubscribeTicker("ETHUSDT")
	c.SubscribeTicker("BTCUSDT")
	c.SubscribeKlines("BTCUSDT", types.Interval1h)

	require.NoError(t, c.Connect(context.Background()))
	conn := accept(t, conns)

	req := readRequest(t, conn)
	assert.Equal(t, "SUBSCRIBE", req.Method)
	assert.Equal(t, []string{"btcusdt@kline_1h", "btcusdt@ticker", "ethusdt@ticker"}, req.Params)

	nextEvent(t, c, EventConnected)
	assert.True(t, c.IsConnected())

	// 已连接时再次连接无操作
	require.NoError(t, c.Connect(context.Background()))
	assertNoConn(t, conns, 100*time.Millisecond)
}

// TestClient_SubscribeWhileConnected 只发送新增的订阅
func TestClient_SubscribeWhileConnected(t *testing.T) {
	t.Parallel()

	srv, conns := newWSServer(t)
	c := newTestClient(t, wsURL(srv), testConfig())

	require.NoError(t, c.Connect(context.Background()))
	conn := accept(t, conns)

	c.SubscribeTicker("ETHUSDT")
	req := readRequest(t, conn)
	assert.Equal(t, "SUBSCRIBE", req.Method)
	assert.Equal(t, []string{"ethusdt@ticker"}, req.Params)
	firstID := req.ID

	// 重复订阅不发送消息，下一条应该是取消订阅
	c.SubscribeTicker("ETHUSDT")
	c.Unsubscribe("ethusdt@ticker")
	req = readRequest(t, conn)
	assert.Equal(t, "UNSUBSCRIBE", req.Method)
	assert.Equal(t, []string{"ethusdt@ticker"}, req.Params)
	assert.Greater(t, req.ID, firstID)

	c.SubscribeTicker("AAAUSDT")
	c.SubscribeTicker("BBBUSDT")
	readRequest(t, conn)
	readRequest(t, conn)

	c.UnsubscribeAll()
	req = readRequest(t, conn)
	assert.Equal(t, "UNSUBSCRIBE", req.Method)
	assert.Equal(t, []string{"aaausdt@ticker", "bbbusdt@ticker"}, req.Params)
}

// TestClient_EmitsMarketEvents 组合流和裸事件都被解析为事件
func TestClient_EmitsMarketEvents(t *testing.T) {
	t.Parallel()

	srv, conns := newWSServer(t)
	c := newTestClient(t, wsURL(srv), testConfig())

	require.NoError(t, c.Connect(context.Background()))
	conn := accept(t, conns)
	nextEvent(t, c, EventConnected)

	ticker := `{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT",
"p":"100.0","P":"0.25","w":"40000","x":"39900","c":"40100.5","Q":"0.1","b":"40100","B":"1",
"a":"40101","A":"2","o":"40000.5","h":"40500","l":"39000","v":"1234.5","q":"50000000",
"O":1699913600000,"C":1700000000000,"F":1,"L":100,"n":100}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(ticker)))

	ev := nextEvent(t, c, EventPrice)
	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.Equal(t, types.PriceData{
		Symbol:           "BTCUSDT",
		Price:            40100.5,
		Change24h:        100,
		ChangePercent24h: 0.25,
		Volume24h:        1234.5,
		High24h:          40500,
		Low24h:           39000,
		Open24h:          40000.5,
		Timestamp:        1700000000000,
	}, ev.Price)

	// 无法解析的事件被丢弃，不影响后续消息
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"kline","s":"ETHUSDT","k":{"i":"7m"}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	kline := `{"e":"kline","E":1700000001000,"s":"ETHUSDT","k":{"t":1700000000000,"T":1700000059999,
"s":"ETHUSDT","i":"1m","f":1,"L":2,"o":"2000","c":"2001.5","h":"2002","l":"1999","v":"10","n":2,
"x":true,"q":"20000","V":"5","Q":"10000","B":"0"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(kline)))

	ev = nextEvent(t, c, EventCandle)
	assert.Equal(t, "ETHUSDT", ev.Symbol)
	assert.Equal(t, types.CandleData{
		Timestamp: 1700000000000,
		Open:      2000,
		High:      2002,
		Low:       1999,
		Close:     2001.5,
		Volume:    10,
		Interval:  types.Interval1m,
		IsClosed:  true,
	}, ev.Candle)

	assert.True(t, c.IsConnected())
}

// TestClient_AnswersAppPing 应用层 ping 回复相同内容的 pong
func TestClient_AnswersAppPing(t *testing.T) {
	t.Parallel()

	srv, conns := newWSServer(t)
	c := newTestClient(t, wsURL(srv), testConfig())

	require.NoError(t, c.Connect(context.Background()))
	conn := accept(t, conns)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"ping":1700000000123}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	var reply map[string]json.RawMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "1700000000123", string(reply["pong"]))
}

// TestClient_ReconnectAfterDrop 意外断线后重连并恢复订阅
func TestClient_ReconnectAfterDrop(t *testing.T) {
	t.Parallel()

	srv, conns := newWSServer(t)
	c := newTestClient(t, wsURL(srv), testConfig())
	c.SubscribeTicker("BTCUSDT")

	require.NoError(t, c.Connect(context.Background()))
	first := accept(t, conns)
	readRequest(t, first)
	nextEvent(t, c, EventConnected)

	require.NoError(t, first.Close())

	second := accept(t, conns)
	req := readRequest(t, second)
	assert.Equal(t, "SUBSCRIBE", req.Method)
	assert.Equal(t, []string{"btcusdt@ticker"}, req.Params)

	nextEvent(t, c, EventConnected)
	require.Eventually(t, func() bool {
		return c.IsConnected() && c.ReconnectAttempts() == 0
	}, waitTimeout, 5*time.Millisecond)
}

// TestClient_ReconnectBound 重连次数用尽后进入 FAILED 且不再安排重连
func TestClient_ReconnectBound(t *testing.T) {
	t.Parallel()

	var dials int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, wsURL(srv), testConfig())

	require.Error(t, c.Connect(context.Background()))

	ev := nextEvent(t, c, EventFatal)
	assert.ErrorIs(t, ev.Err, ErrReconnectExhausted)

	assert.Equal(t, StateFailed, c.State())
	assert.False(t, c.PendingReconnect())
	assert.Equal(t, int32(4), atomic.LoadInt32(&dials), "initial attempt plus three reconnects")

	assert.ErrorIs(t, c.Connect(context.Background()), ErrReconnectExhausted)
}

// TestClient_DisconnectCancelsPendingReconnect 主动断开取消等待中的重连
func TestClient_DisconnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.ReconnectBaseDelay = time.Hour
	c := newTestClient(t, wsURL(srv), cfg)

	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, StateReconnectWait, c.State())
	assert.True(t, c.PendingReconnect())

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.PendingReconnect())
}

// TestClient_DisconnectNoReconnect 主动断开发送正常关闭帧且不重连
func TestClient_DisconnectNoReconnect(t *testing.T) {
	t.Parallel()

	srv, conns := newWSServer(t)
	c := newTestClient(t, wsURL(srv), testConfig())

	require.NoError(t, c.Connect(context.Background()))
	conn := accept(t, conns)

	c.Disconnect()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.PendingReconnect())
	assertNoConn(t, conns, 100*time.Millisecond)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

// TestClient_PongTimeout 心跳无响应时强制重连
func TestClient_PongTimeout(t *testing.T) {
	t.Parallel()

	srv, conns := newWSServer(t)
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 20 * time.Millisecond
	c := newTestClient(t, wsURL(srv), cfg)

	require.NoError(t, c.Connect(context.Background()))

	// 服务端不读取，ping 得不到 pong
	accept(t, conns)
	accept(t, conns)
}

// TestClient_LifecycleNotLostWhenEventsFull 行情缓冲已满时状态事件仍可送达，且只保留最新状态
func TestClient_LifecycleNotLostWhenEventsFull(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EventBuffer = 1
	c := newTestClient(t, "ws://127.0.0.1:1", cfg)

	c.emit(Event{Type: EventPrice, Symbol: "BTCUSDT"})
	c.emit(Event{Type: EventPrice, Symbol: "ETHUSDT"})

	c.mu.Lock()
	c.emitLifecycleLocked(Event{Type: EventConnected})
	c.emitLifecycleLocked(Event{Type: EventFatal, Err: ErrReconnectExhausted})
	c.mu.Unlock()

	ev := <-c.Lifecycle()
	assert.Equal(t, EventFatal, ev.Type)
	assert.ErrorIs(t, ev.Err, ErrReconnectExhausted)

	ev = <-c.Events()
	assert.Equal(t, "BTCUSDT", ev.Symbol)
}

// TestClient_ConnectCancelledNoReconnect 调用方取消的连接不安排重连
func TestClient_ConnectCancelledNoReconnect(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "ws://127.0.0.1:1", testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, c.Connect(ctx))

	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.PendingReconnect())
}
