package fetcher

import (
	"context"
	"fmt"
	"sync"

	"binance-market-sync/pkg/types"
	"go.uber.org/zap"
)

// GetSymbolData 并行获取单个交易对的24小时行情和K线
func (c *RestClient) GetSymbolData(ctx context.Context, symbol string, interval types.Interval, limit int) (types.SymbolData, error) {
	var (
		wg        sync.WaitGroup
		ticker    BinanceTicker
		klines    []BinanceKline
		tickerErr error
		klinesErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		ticker, tickerErr = c.GetTicker(ctx, symbol)
	}()
	go func() {
		defer wg.Done()
		klines, klinesErr = c.GetKlines(ctx, symbol, interval, limit)
	}()
	wg.Wait()

	if tickerErr != nil {
		return types.SymbolData{}, fmt.Errorf("获取 %s 行情失败: %w", symbol, tickerErr)
	}
	if klinesErr != nil {
		return types.SymbolData{}, fmt.Errorf("获取 %s K线失败: %w", symbol, klinesErr)
	}

	price, err := ConvertTickerToPriceData(ticker)
	if err != nil {
		return types.SymbolData{}, &MalformedResponseError{Endpoint: "/api/v3/ticker/24hr", Err: err}
	}

	nowMs := types.NowMillis(c.now())
	candles := make([]types.CandleData, 0, len(klines))
	for _, k := range klines {
		candle, err := ConvertKlineToCandle(k, interval, nowMs)
		if err != nil {
			return types.SymbolData{}, &MalformedResponseError{Endpoint: "/api/v3/klines", Err: err}
		}
		candles = append(candles, candle)
	}

	return types.SymbolData{Price: price, Candles: candles}, nil
}

// GetMultipleSymbolsData 批量获取多个交易对数据
//
// 每个交易对独立请求，失败的交易对不出现在结果中，只记录日志。
// 仅在上下文取消时返回错误。
func (c *RestClient) GetMultipleSymbolsData(ctx context.Context, symbols []string, interval types.Interval, limit int) (map[string]types.SymbolData, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result = make(map[string]types.SymbolData, len(symbols))
	)

	for _, symbol := range uniqueSymbols(symbols) {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()

			data, err := c.GetSymbolData(ctx, symbol, interval, limit)
			if err != nil {
				zap.L().Error("❌ 获取交易对数据失败",
					zap.String("symbol", symbol),
					zap.Error(err))
				return
			}

			mu.Lock()
			result[symbol] = data
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return result, err
	}

	zap.L().Debug("✅ 批量获取交易对数据完成",
		zap.Int("requested", len(symbols)),
		zap.Int("received", len(result)))
	return result, nil
}

// GetMultiplePrices 批量获取价格
//
// 交易对较少时逐个请求行情，逐个请求的总权重达到全量行情的权重时改为一次全量请求后过滤。
func (c *RestClient) GetMultiplePrices(ctx context.Context, symbols []string) (map[string]types.PriceData, error) {
	symbols = uniqueSymbols(symbols)
	if len(symbols)*weightTicker >= weightAllTickers {
		return c.multiplePricesFromAll(ctx, symbols)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result = make(map[string]types.PriceData, len(symbols))
	)

	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()

			ticker, err := c.GetTicker(ctx, symbol)
			if err != nil {
				zap.L().Error("❌ 获取价格失败", zap.String("symbol", symbol), zap.Error(err))
				return
			}
			price, err := ConvertTickerToPriceData(ticker)
			if err != nil {
				zap.L().Warn("⚠️ 解析行情失败", zap.String("symbol", symbol), zap.Error(err))
				return
			}

			mu.Lock()
			result[symbol] = price
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (c *RestClient) multiplePricesFromAll(ctx context.Context, symbols []string) (map[string]types.PriceData, error) {
	tickers, err := c.GetAllTickers(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[s] = struct{}{}
	}

	result := make(map[string]types.PriceData, len(symbols))
	for _, ticker := range tickers {
		if _, ok := wanted[ticker.Symbol]; !ok {
			continue
		}
		price, err := ConvertTickerToPriceData(ticker)
		if err != nil {
			zap.L().Warn("⚠️ 解析行情失败", zap.String("symbol", ticker.Symbol), zap.Error(err))
			continue
		}
		result[ticker.Symbol] = price
	}
	return result, nil
}

func uniqueSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
