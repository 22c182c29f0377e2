package ratelimit

import (
	"sync"
	"time"

	"binance-market-sync/pkg/types"
	"go.uber.org/zap"
)

// Limiter 多窗口请求权重限流器
//
// 每个窗口独立计数，一个请求必须在所有窗口内都不超限才允许发出。
// 窗口到期后在下一次访问时惰性重置，不依赖后台定时器。
type Limiter struct {
	mu           sync.Mutex
	windows      []types.RateWindow
	blockedUntil time.Time
	now          func() time.Time
}

// DefaultWindows 交易所默认权重限制（6000/分钟）加一个保守的10秒窗口
func DefaultWindows() []types.RateWindowConfig {
	return []types.RateWindowConfig{
		{Kind: "REQUEST_WEIGHT", IntervalUnit: "MINUTE", IntervalCount: 1, Limit: 6000},
		{Kind: "REQUEST_WEIGHT", IntervalUnit: "SECOND", IntervalCount: 10, Limit: 100},
	}
}

// New 创建限流器，windows 为空时使用默认窗口
func New(windows []types.RateWindowConfig) *Limiter {
	if len(windows) == 0 {
		windows = DefaultWindows()
	}

	l := &Limiter{now: time.Now}
	for _, w := range windows {
		kind := w.Kind
		if kind == "" {
			kind = "REQUEST_WEIGHT"
		}
		l.windows = append(l.windows, types.RateWindow{
			Kind:          kind,
			IntervalUnit:  w.IntervalUnit,
			IntervalCount: w.IntervalCount,
			Limit:         w.Limit,
		})
	}
	return l
}

// WithClock 替换时钟，测试使用
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

// CanMakeRequest 检查是否可以发出指定权重的请求，不记录
func (l *Limiter) CanMakeRequest(weight int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.allowLocked(l.now(), weight)
}

// RecordRequest 记录一次已发出的请求
func (l *Limiter) RecordRequest(weight int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.recordLocked(l.now(), weight)
}

// TryAcquire 原子地检查并记录，供并发调用方使用
func (l *Limiter) TryAcquire(weight int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.allowLocked(now, weight) {
		return false
	}
	l.recordLocked(now, weight)
	return true
}

// BlockFor 在指定时长内拒绝所有请求（对应交易所 429/418）
func (l *Limiter) BlockFor(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until := l.now().Add(d)
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
	}

	zap.L().Warn("⛔ 限流器进入封禁期",
		zap.Duration("duration", d),
		zap.Time("until", l.blockedUntil))
}

// BlockedUntil 封禁截止时间，零值表示未封禁
func (l *Limiter) BlockedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockedUntil
}

// ObserveUsedWeight 同步交易所返回的已用权重（X-MBX-USED-WEIGHT-*），只向上修正
func (l *Limiter) ObserveUsedWeight(interval time.Duration, used int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.resetExpiredLocked(now)
	for i := range l.windows {
		w := &l.windows[i]
		if w.Duration() != interval {
			continue
		}
		if w.WindowStart.IsZero() {
			w.WindowStart = now
		}
		if used > w.Used {
			w.Used = used
		}
	}
}

// Reconfigure 替换窗口配置（例如交易所 exchangeInfo 返回的限制），相同时长窗口保留已用权重
func (l *Limiter) Reconfigure(windows []types.RateWindowConfig) {
	if len(windows) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.resetExpiredLocked(now)
	prev := l.windows
	l.windows = New(windows).windows
	for i := range l.windows {
		w := &l.windows[i]
		for _, old := range prev {
			if old.Duration() == w.Duration() && old.Used > w.Used {
				w.Used = old.Used
				w.WindowStart = old.WindowStart
			}
		}
	}

	zap.L().Info("🚦 限流窗口已更新", zap.Int("windows", len(l.windows)))
}

// Status 返回各窗口当前状态的副本
func (l *Limiter) Status() []types.RateWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetExpiredLocked(l.now())
	out := make([]types.RateWindow, len(l.windows))
	copy(out, l.windows)
	return out
}

// Clear 清空计数和封禁状态
func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.windows {
		l.windows[i].Used = 0
		l.windows[i].WindowStart = time.Time{}
	}
	l.blockedUntil = time.Time{}
}

func (l *Limiter) allowLocked(now time.Time, weight int) bool {
	if now.Before(l.blockedUntil) {
		return false
	}

	l.resetExpiredLocked(now)
	for _, w := range l.windows {
		if w.Used+weight > w.Limit {
			zap.L().Debug("请求权重超出窗口限制",
				zap.String("kind", w.Kind),
				zap.String("unit", w.IntervalUnit),
				zap.Int("count", w.IntervalCount),
				zap.Int("used", w.Used),
				zap.Int("weight", weight),
				zap.Int("limit", w.Limit))
			return false
		}
	}
	return true
}

func (l *Limiter) recordLocked(now time.Time, weight int) {
	l.resetExpiredLocked(now)
	for i := range l.windows {
		if l.windows[i].WindowStart.IsZero() {
			l.windows[i].WindowStart = now
		}
		l.windows[i].Used += weight
	}
}

func (l *Limiter) resetExpiredLocked(now time.Time) {
	for i := range l.windows {
		w := &l.windows[i]
		if w.WindowStart.IsZero() {
			continue
		}
		if now.Sub(w.WindowStart) >= w.Duration() {
			w.Used = 0
			w.WindowStart = time.Time{}
		}
	}
}
