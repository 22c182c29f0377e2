package market

import (
	"sort"

	"binance-market-sync/pkg/types"
)

// DefaultCandleLimit 每个交易对保留的K线数量
const DefaultCandleLimit = 100

// MergeCandle 将一根K线合并进按时间升序排列的序列
//
// 相同时间戳的未收盘K线被替换，已收盘K线不再修改；新时间戳按顺序插入，
// 超出 limit 时丢弃最旧的K线。输入切片不会被修改，changed 为 false 时返回原切片。
func MergeCandle(candles []types.CandleData, candle types.CandleData, limit int) ([]types.CandleData, bool) {
	if limit <= 0 {
		limit = DefaultCandleLimit
	}

	i := sort.Search(len(candles), func(i int) bool {
		return candles[i].Timestamp >= candle.Timestamp
	})

	if i < len(candles) && candles[i].Timestamp == candle.Timestamp {
		if candles[i].IsClosed || candles[i] == candle {
			return candles, false
		}
		out := make([]types.CandleData, len(candles))
		copy(out, candles)
		out[i] = candle
		return out, true
	}

	// 序列已满且新K线比所有已有K线都旧，插入后会被立即丢弃
	if len(candles) >= limit && i == 0 {
		return candles, false
	}

	out := make([]types.CandleData, 0, len(candles)+1)
	out = append(out, candles[:i]...)
	out = append(out, candle)
	out = append(out, candles[i:]...)

	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, true
}

// MergeCandles 依次合并多根K线
func MergeCandles(candles []types.CandleData, incoming []types.CandleData, limit int) ([]types.CandleData, bool) {
	changed := false
	for _, c := range incoming {
		var ok bool
		candles, ok = MergeCandle(candles, c, limit)
		changed = changed || ok
	}
	return candles, changed
}
