package stream

import (
	"encoding/json"
	"fmt"

	"binance-market-sync/pkg/types"
)

// encoding/json 按大小写不敏感匹配字段，仅大小写不同的键必须成对声明

// Request 订阅控制消息
type Request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// inbound 入站消息探测结构
type inbound struct {
	Result    json.RawMessage `json:"result"`
	ID        *int64          `json:"id"`
	Ping      json.RawMessage `json:"ping"`
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Error     *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// TickerEvent 24hrTicker 事件
type TickerEvent struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	WeightedAvgPrice   string `json:"w"`
	PrevClosePrice     string `json:"x"`
	LastPrice          string `json:"c"`
	CloseTime          int64  `json:"C"`
	LastQty            string `json:"Q"`
	QuoteVolume        string `json:"q"`
	BidPrice           string `json:"b"`
	BidQty             string `json:"B"`
	AskPrice           string `json:"a"`
	AskQty             string `json:"A"`
	OpenPrice          string `json:"o"`
	OpenTime           int64  `json:"O"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	LastTradeID        int64  `json:"L"`
	FirstTradeID       int64  `json:"F"`
	Volume             string `json:"v"`
	Count              int64  `json:"n"`
}

// KlineEvent kline 事件
type KlineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime        int64  `json:"t"`
		CloseTime        int64  `json:"T"`
		Symbol           string `json:"s"`
		Interval         string `json:"i"`
		FirstTradeID     int64  `json:"f"`
		LastTradeID      int64  `json:"L"`
		Open             string `json:"o"`
		Close            string `json:"c"`
		High             string `json:"h"`
		Low              string `json:"l"`
		Volume           string `json:"v"`
		Trades           int64  `json:"n"`
		IsClosed         bool   `json:"x"`
		QuoteVolume      string `json:"q"`
		TakerBaseVolume  string `json:"V"`
		TakerQuoteVolume string `json:"Q"`
		Ignore           string `json:"B"`
	} `json:"k"`
}

// ToPriceData 转换为内部行情格式，只有 s 和 c 必须存在
func (e *TickerEvent) ToPriceData() (types.PriceData, error) {
	if e.Symbol == "" {
		return types.PriceData{}, fmt.Errorf("ticker缺少交易对")
	}
	price := types.PriceData{Symbol: e.Symbol, Timestamp: e.EventTime}

	var err error
	if price.Price, err = types.ParseNumber(e.LastPrice); err != nil {
		return types.PriceData{}, fmt.Errorf("ticker字段c: %w", err)
	}

	optional := []struct {
		name string
		src  string
		dst  *float64
	}{
		{"p", e.PriceChange, &price.Change24h},
		{"P", e.PriceChangePercent, &price.ChangePercent24h},
		{"v", e.Volume, &price.Volume24h},
		{"h", e.HighPrice, &price.High24h},
		{"l", e.LowPrice, &price.Low24h},
		{"o", e.OpenPrice, &price.Open24h},
	}
	for _, f := range optional {
		if f.src == "" {
			continue
		}
		if *f.dst, err = types.ParseNumber(f.src); err != nil {
			return types.PriceData{}, fmt.Errorf("ticker字段%s: %w", f.name, err)
		}
	}
	return price, nil
}

// ToCandleData 转换为内部K线格式
func (e *KlineEvent) ToCandleData() (types.CandleData, error) {
	k := e.Kline
	interval, err := types.ParseInterval(k.Interval)
	if err != nil {
		return types.CandleData{}, err
	}

	candle := types.CandleData{
		Timestamp: k.StartTime,
		Interval:  interval,
		IsClosed:  k.IsClosed,
	}

	fields := []struct {
		name string
		src  string
		dst  *float64
	}{
		{"o", k.Open, &candle.Open},
		{"h", k.High, &candle.High},
		{"l", k.Low, &candle.Low},
		{"c", k.Close, &candle.Close},
		{"v", k.Volume, &candle.Volume},
	}
	for _, f := range fields {
		v, err := types.ParseNumber(f.src)
		if err != nil {
			return types.CandleData{}, fmt.Errorf("kline字段%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return candle, nil
}

// parseEvent 解析行情事件，data 为裸事件或组合流中的 data 部分
func parseEvent(eventType string, data []byte) (Event, bool, error) {
	switch eventType {
	case "24hrTicker":
		var te TickerEvent
		if err := json.Unmarshal(data, &te); err != nil {
			return Event{}, false, err
		}
		price, err := te.ToPriceData()
		if err != nil {
			return Event{}, false, err
		}
		return Event{Type: EventPrice, Symbol: te.Symbol, Price: price}, true, nil

	case "kline":
		var ke KlineEvent
		if err := json.Unmarshal(data, &ke); err != nil {
			return Event{}, false, err
		}
		candle, err := ke.ToCandleData()
		if err != nil {
			return Event{}, false, err
		}
		symbol := ke.Symbol
		if symbol == "" {
			symbol = ke.Kline.Symbol
		}
		return Event{Type: EventCandle, Symbol: symbol, Candle: candle}, true, nil
	}

	return Event{}, false, nil
}
