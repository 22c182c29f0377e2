package fetcher

import (
	"fmt"
	"net/http"
	"time"
)

// ExchangeHTTPError 交易所返回非2xx状态码
type ExchangeHTTPError struct {
	Endpoint   string
	Status     int
	RetryAfter time.Duration // 来自 Retry-After 头，未提供时为0
	Body       string
}

func (e *ExchangeHTTPError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("交易所HTTP错误 %s: %d (retry after %s)", e.Endpoint, e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("交易所HTTP错误 %s: %d", e.Endpoint, e.Status)
}

// IsRateLimit 429 或 418（IP被封禁）
func (e *ExchangeHTTPError) IsRateLimit() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusTeapot
}

// RetryAfterDuration 服务端要求的冷却时间
func (e *ExchangeHTTPError) RetryAfterDuration() time.Duration {
	return e.RetryAfter
}

// Temporary 5xx 视为临时错误
func (e *ExchangeHTTPError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError
}

// NetworkError 网络层错误（超时、DNS、连接重置）
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("网络请求失败 %s: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Temporary 网络错误总是可重试
func (e *NetworkError) Temporary() bool { return true }

// MalformedResponseError 响应无法解析，不重试
type MalformedResponseError struct {
	Endpoint string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("解析响应失败 %s: %v", e.Endpoint, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }
