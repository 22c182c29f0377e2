package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"binance-market-sync/internal/ratelimit"
	"binance-market-sync/pkg/types"
	"go.uber.org/zap"
)

// 各接口的请求权重
const (
	weightPrice        = 2
	weightAllPrices    = 4
	weightTicker       = 2
	weightAllTickers   = 80
	weightKlines       = 2
	weightExchangeInfo = 20
)

const usedWeightHeader = "X-MBX-USED-WEIGHT-"

// RestClient 币安REST数据获取器，所有请求都经过限流器
type RestClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	policy     ratelimit.RetryPolicy
	now        func() time.Time
}

// NewHTTPClient 创建带代理和连接池参数的HTTP客户端
func NewHTTPClient(networkConfig types.NetworkConfig) *http.Client {
	timeout := networkConfig.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	// 如果配置了代理，则使用代理
	if networkConfig.Proxy != "" {
		proxyURL, err := url.Parse(networkConfig.Proxy)
		if err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
			zap.L().Info("✅ 已配置HTTP代理", zap.String("proxy", networkConfig.Proxy))
		} else {
			zap.L().Warn("⚠️ 代理地址格式错误", zap.Error(err))
		}
	}

	return &http.Client{Timeout: timeout, Transport: transport}
}

// NewRestClient 创建REST客户端
func NewRestClient(baseURL string, httpClient *http.Client, limiter *ratelimit.Limiter, policy ratelimit.RetryPolicy) *RestClient {
	if httpClient == nil {
		httpClient = NewHTTPClient(types.NetworkConfig{})
	}
	if limiter == nil {
		limiter = ratelimit.New(nil)
	}

	return &RestClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
		policy:     policy,
		now:        time.Now,
	}
}

// WithClock 替换时钟，用于判断K线是否已收盘
func (c *RestClient) WithClock(now func() time.Time) *RestClient {
	c.now = now
	return c
}

// Limiter 返回客户端使用的限流器
func (c *RestClient) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// GetPrice 获取单个交易对最新价格
func (c *RestClient) GetPrice(ctx context.Context, symbol string) (BinancePrice, error) {
	var price BinancePrice
	params := url.Values{"symbol": {symbol}}
	err := c.getJSON(ctx, "/api/v3/ticker/price", params, weightPrice, &price)
	return price, err
}

// GetAllPrices 获取全部交易对最新价格
func (c *RestClient) GetAllPrices(ctx context.Context) ([]BinancePrice, error) {
	var prices []BinancePrice
	err := c.getJSON(ctx, "/api/v3/ticker/price", nil, weightAllPrices, &prices)
	return prices, err
}

// GetTicker 获取单个交易对24小时行情
func (c *RestClient) GetTicker(ctx context.Context, symbol string) (BinanceTicker, error) {
	var ticker BinanceTicker
	params := url.Values{"symbol": {symbol}}
	err := c.getJSON(ctx, "/api/v3/ticker/24hr", params, weightTicker, &ticker)
	return ticker, err
}

// GetAllTickers 获取全部交易对24小时行情
func (c *RestClient) GetAllTickers(ctx context.Context) ([]BinanceTicker, error) {
	var tickers []BinanceTicker
	err := c.getJSON(ctx, "/api/v3/ticker/24hr", nil, weightAllTickers, &tickers)
	return tickers, err
}

// GetKlines 获取K线数据，交易所按时间升序返回
func (c *RestClient) GetKlines(ctx context.Context, symbol string, interval types.Interval, limit int) ([]BinanceKline, error) {
	params := url.Values{
		"symbol":   {symbol},
		"interval": {string(interval)},
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var klines []BinanceKline
	err := c.getJSON(ctx, "/api/v3/klines", params, weightKlines, &klines)
	return klines, err
}

// GetExchangeInfo 获取交易对列表和交易所声明的限流规则
func (c *RestClient) GetExchangeInfo(ctx context.Context) (*BinanceExchangeInfo, error) {
	var info BinanceExchangeInfo
	if err := c.getJSON(ctx, "/api/v3/exchangeInfo", nil, weightExchangeInfo, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// getJSON 发送GET请求并解析JSON响应
func (c *RestClient) getJSON(ctx context.Context, endpoint string, params url.Values, weight int, out interface{}) error {
	requestURL := c.baseURL + endpoint
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	return c.limiter.Do(ctx, weight, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return fmt.Errorf("创建HTTP请求失败: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &NetworkError{Endpoint: endpoint, Err: err}
		}
		defer resp.Body.Close()

		c.observeUsedWeight(resp.Header)

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &NetworkError{Endpoint: endpoint, Err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			httpErr := &ExchangeHTTPError{
				Endpoint:   endpoint,
				Status:     resp.StatusCode,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
				Body:       truncate(string(body), 512),
			}
			zap.L().Warn("❌ 交易所返回错误状态码",
				zap.String("endpoint", endpoint),
				zap.Int("status", resp.StatusCode),
				zap.Duration("retry_after", httpErr.RetryAfter))
			return httpErr
		}

		if err := json.Unmarshal(body, out); err != nil {
			return &MalformedResponseError{Endpoint: endpoint, Err: err}
		}
		return nil
	})
}

// observeUsedWeight 将 X-MBX-USED-WEIGHT-<n><unit> 同步到限流器
func (c *RestClient) observeUsedWeight(header http.Header) {
	for key, values := range header {
		upper := strings.ToUpper(key)
		if !strings.HasPrefix(upper, usedWeightHeader) || len(values) == 0 {
			continue
		}
		interval, ok := parseWeightInterval(strings.TrimPrefix(upper, usedWeightHeader))
		if !ok {
			continue
		}
		used, err := strconv.Atoi(strings.TrimSpace(values[0]))
		if err != nil {
			continue
		}
		c.limiter.ObserveUsedWeight(interval, used)
	}
}

// parseWeightInterval 解析 "1M"、"10S" 这样的窗口标识
func parseWeightInterval(s string) (time.Duration, bool) {
	if len(s) < 2 {
		return 0, false
	}
	count, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || count <= 0 {
		return 0, false
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'S':
		unit = time.Second
	case 'M':
		unit = time.Minute
	case 'H':
		unit = time.Hour
	case 'D':
		unit = 24 * time.Hour
	default:
		return 0, false
	}
	return time.Duration(count) * unit, true
}

// parseRetryAfter 支持秒数和HTTP日期两种格式
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
