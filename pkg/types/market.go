package types

import (
	"fmt"
	"time"
)

// Interval K线周期
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// ParseInterval 解析并校验K线周期
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d:
		return Interval(s), nil
	}
	return "", fmt.Errorf("不支持的K线周期: %q", s)
}

// Duration 周期对应的时长
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// PriceData 单个交易对的24小时行情
type PriceData struct {
	Symbol           string  `json:"symbol"`
	Price            float64 `json:"price"`
	Change24h        float64 `json:"change24h"`
	ChangePercent24h float64 `json:"changePercent24h"`
	Volume24h        float64 `json:"volume24h"`
	High24h          float64 `json:"high24h"`
	Low24h           float64 `json:"low24h"`
	Open24h          float64 `json:"open24h,omitempty"`
	Timestamp        int64   `json:"timestamp"` // 毫秒
}

// CandleData K线数据，Timestamp 为周期起始时间（毫秒）
type CandleData struct {
	Timestamp int64    `json:"timestamp"`
	Open      float64  `json:"open"`
	High      float64  `json:"high"`
	Low       float64  `json:"low"`
	Close     float64  `json:"close"`
	Volume    float64  `json:"volume"`
	Interval  Interval `json:"interval"`
	IsClosed  bool     `json:"isClosed"`
}

// SymbolData 批量接口中单个交易对的结果
type SymbolData struct {
	Price   PriceData    `json:"price"`
	Candles []CandleData `json:"candles"`
}

// Snapshot 行情快照，持久化和对外读取的基本单位
type Snapshot struct {
	Prices     map[string]PriceData    `json:"prices"`
	Candles    map[string][]CandleData `json:"candles"`
	LastUpdate int64                   `json:"lastUpdate"` // 毫秒
}

// NewSnapshot 创建空快照
func NewSnapshot() Snapshot {
	return Snapshot{
		Prices:  make(map[string]PriceData),
		Candles: make(map[string][]CandleData),
	}
}

// Clone 深拷贝快照
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Prices:     make(map[string]PriceData, len(s.Prices)),
		Candles:    make(map[string][]CandleData, len(s.Candles)),
		LastUpdate: s.LastUpdate,
	}
	for symbol, price := range s.Prices {
		out.Prices[symbol] = price
	}
	for symbol, candles := range s.Candles {
		cp := make([]CandleData, len(candles))
		copy(cp, candles)
		out.Candles[symbol] = cp
	}
	return out
}

// Normalize 补齐反序列化后可能为nil的map
func (s *Snapshot) Normalize() {
	if s.Prices == nil {
		s.Prices = make(map[string]PriceData)
	}
	if s.Candles == nil {
		s.Candles = make(map[string][]CandleData)
	}
}

// RateWindow 限流窗口状态
type RateWindow struct {
	Kind          string    `json:"kind"`          // REQUEST_WEIGHT
	IntervalUnit  string    `json:"intervalUnit"`  // SECOND, MINUTE, HOUR, DAY
	IntervalCount int       `json:"intervalCount"` // 周期数
	Limit         int       `json:"limit"`
	Used          int       `json:"used"`
	WindowStart   time.Time `json:"windowStart"`
}

// Duration 窗口时长
func (w RateWindow) Duration() time.Duration {
	return IntervalUnitDuration(w.IntervalUnit) * time.Duration(w.IntervalCount)
}

// IntervalUnitDuration 限流窗口单位对应的时长
func IntervalUnitDuration(unit string) time.Duration {
	switch unit {
	case "SECOND":
		return time.Second
	case "MINUTE":
		return time.Minute
	case "HOUR":
		return time.Hour
	case "DAY":
		return 24 * time.Hour
	default:
		return 0
	}
}

// NowMillis 当前时间的毫秒时间戳
func NowMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
