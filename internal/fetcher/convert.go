package fetcher

import (
	"encoding/json"
	"fmt"

	"binance-market-sync/pkg/types"
)

// BinancePrice /api/v3/ticker/price 响应
type BinancePrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// BinanceTicker /api/v3/ticker/24hr 响应
type BinanceTicker struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	WeightedAvgPrice   string `json:"weightedAvgPrice"`
	PrevClosePrice     string `json:"prevClosePrice"`
	LastPrice          string `json:"lastPrice"`
	OpenPrice          string `json:"openPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	OpenTime           int64  `json:"openTime"`
	CloseTime          int64  `json:"closeTime"`
	Count              int64  `json:"count"`
}

// BinanceKline /api/v3/klines 中的一条，交易所以数组形式返回:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, takerBase, takerQuote, ignore]
type BinanceKline struct {
	OpenTime    int64
	Open        string
	High        string
	Low         string
	Close       string
	Volume      string
	CloseTime   int64
	QuoteVolume string
	Trades      int64
}

// UnmarshalJSON 解析数组格式的K线
func (k *BinanceKline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 7 {
		return fmt.Errorf("K线数据格式不正确: 字段数 %d", len(raw))
	}

	targets := []interface{}{&k.OpenTime, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume, &k.CloseTime}
	for i, target := range targets {
		if err := json.Unmarshal(raw[i], target); err != nil {
			return fmt.Errorf("K线第%d个字段无效: %w", i, err)
		}
	}
	if len(raw) > 8 {
		_ = json.Unmarshal(raw[7], &k.QuoteVolume)
		_ = json.Unmarshal(raw[8], &k.Trades)
	}
	return nil
}

// BinanceExchangeInfo /api/v3/exchangeInfo 响应（只保留用到的字段）
type BinanceExchangeInfo struct {
	Timezone   string `json:"timezone"`
	ServerTime int64  `json:"serverTime"`
	RateLimits []struct {
		RateLimitType string `json:"rateLimitType"`
		Interval      string `json:"interval"`
		IntervalNum   int    `json:"intervalNum"`
		Limit         int    `json:"limit"`
	} `json:"rateLimits"`
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
}

// RateWindows 交易所声明的 REQUEST_WEIGHT 限制，可直接用于构建限流器
func (info *BinanceExchangeInfo) RateWindows() []types.RateWindowConfig {
	var out []types.RateWindowConfig
	for _, rl := range info.RateLimits {
		if rl.RateLimitType != "REQUEST_WEIGHT" {
			continue
		}
		out = append(out, types.RateWindowConfig{
			Kind:          rl.RateLimitType,
			IntervalUnit:  rl.Interval,
			IntervalCount: rl.IntervalNum,
			Limit:         rl.Limit,
		})
	}
	return out
}

// ConvertKlineToCandle K线转换为内部格式，closeTime 早于 nowMs 的K线视为已收盘
func ConvertKlineToCandle(k BinanceKline, interval types.Interval, nowMs int64) (types.CandleData, error) {
	var (
		candle = types.CandleData{
			Timestamp: k.OpenTime,
			Interval:  interval,
			IsClosed:  k.CloseTime < nowMs,
		}
		err error
	)

	if candle.Open, err = types.ParseNumber(k.Open); err != nil {
		return types.CandleData{}, fmt.Errorf("开盘价: %w", err)
	}
	if candle.High, err = types.ParseNumber(k.High); err != nil {
		return types.CandleData{}, fmt.Errorf("最高价: %w", err)
	}
	if candle.Low, err = types.ParseNumber(k.Low); err != nil {
		return types.CandleData{}, fmt.Errorf("最低价: %w", err)
	}
	if candle.Close, err = types.ParseNumber(k.Close); err != nil {
		return types.CandleData{}, fmt.Errorf("收盘价: %w", err)
	}
	if candle.Volume, err = types.ParseNumber(k.Volume); err != nil {
		return types.CandleData{}, fmt.Errorf("成交量: %w", err)
	}
	return candle, nil
}

// ConvertTickerToPriceData 24小时行情转换为内部格式
func ConvertTickerToPriceData(t BinanceTicker) (types.PriceData, error) {
	var (
		price = types.PriceData{
			Symbol:    t.Symbol,
			Timestamp: t.CloseTime,
		}
		err error
	)

	fields := []struct {
		name string
		src  string
		dst  *float64
	}{
		{"lastPrice", t.LastPrice, &price.Price},
		{"priceChange", t.PriceChange, &price.Change24h},
		{"priceChangePercent", t.PriceChangePercent, &price.ChangePercent24h},
		{"volume", t.Volume, &price.Volume24h},
		{"highPrice", t.HighPrice, &price.High24h},
		{"lowPrice", t.LowPrice, &price.Low24h},
	}
	for _, f := range fields {
		if *f.dst, err = types.ParseNumber(f.src); err != nil {
			return types.PriceData{}, fmt.Errorf("%s: %w", f.name, err)
		}
	}

	// openPrice 在部分精简响应中缺失
	if t.OpenPrice != "" {
		if price.Open24h, err = types.ParseNumber(t.OpenPrice); err != nil {
			return types.PriceData{}, fmt.Errorf("openPrice: %w", err)
		}
	}
	return price, nil
}
