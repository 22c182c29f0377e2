package stream

import (
	"errors"
	"strings"

	"binance-market-sync/pkg/types"
)

var (
	// ErrReconnectExhausted 重连次数用尽，客户端进入 FAILED 状态
	ErrReconnectExhausted = errors.New("WebSocket重连次数已用尽")
	// ErrDisconnected 连接过程中被主动断开
	ErrDisconnected = errors.New("WebSocket已主动断开")
)

// State 连接状态
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateClosing       State = "CLOSING"
	StateError         State = "ERROR"
	StateReconnectWait State = "RECONNECT_WAIT"
	StateFailed        State = "FAILED"
)

// EventType 事件类型
type EventType int

const (
	EventPrice EventType = iota + 1
	EventCandle
	EventConnected
	EventFatal
)

func (t EventType) String() string {
	switch t {
	case EventPrice:
		return "price"
	case EventCandle:
		return "candle"
	case EventConnected:
		return "connected"
	case EventFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Event 推送给消费者的事件
type Event struct {
	Type   EventType
	Symbol string           // 大写交易对
	Price  types.PriceData  // EventPrice
	Candle types.CandleData // EventCandle
	Err    error            // EventFatal
}

// TickerStream 24小时行情流名称
func TickerStream(symbol string) string {
	return strings.ToLower(symbol) + "@ticker"
}

// KlineStream K线流名称
func KlineStream(symbol string, interval types.Interval) string {
	return strings.ToLower(symbol) + "@kline_" + string(interval)
}
