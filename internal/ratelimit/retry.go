package ratelimit

import (
	"context"
	"errors"
	"time"

	"binance-market-sync/pkg/types"
	"go.uber.org/zap"
)

// ErrRateLimitExceeded 本地限流拒绝，请求从未发出
var ErrRateLimitExceeded = errors.New("超出本地请求权重限制")

// Throttled 交易所侧限流错误（429/418）
type Throttled interface {
	error
	IsRateLimit() bool
	RetryAfterDuration() time.Duration
}

// Transient 可重试的临时错误（超时、DNS、5xx）
type Transient interface {
	error
	Temporary() bool
}

// RetryPolicy 重试策略
type RetryPolicy struct {
	MaxRetries   int
	DenyWait     time.Duration // 本地拒绝后等待
	DefaultBlock time.Duration // 服务端未给出 Retry-After 时的封禁时长
	MaxBlock     time.Duration // 封禁时长上限
	MaxWait      time.Duration // 单次等待上限
	BackoffBase  time.Duration // 临时错误退避基数
}

// DefaultRetryPolicy 默认重试策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		DenyWait:     time.Second,
		DefaultBlock: time.Minute,
		MaxBlock:     5 * time.Minute,
		MaxWait:      30 * time.Second,
		BackoffBase:  time.Second,
	}
}

// PolicyFromConfig 从配置构建重试策略，未配置项使用默认值
func PolicyFromConfig(cfg types.RateLimitConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if cfg.DenyWait > 0 {
		p.DenyWait = cfg.DenyWait
	}
	if cfg.MaxWait > 0 {
		p.MaxWait = cfg.MaxWait
	}
	if cfg.MaxBlock > 0 {
		p.MaxBlock = cfg.MaxBlock
	}
	if cfg.BackoffBase > 0 {
		p.BackoffBase = cfg.BackoffBase
	}
	return p
}

// Do 在限流器保护下执行请求
//
// 本地拒绝：等待 DenyWait 后重试。
// 交易所 429/418：按 Retry-After 封禁限流器，等待 min(封禁, MaxWait) 后重试。
// 临时错误：指数退避后重试。
// 其他错误直接返回。
func (l *Limiter) Do(ctx context.Context, weight int, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last := attempt == attempts-1

		if !l.TryAcquire(weight) {
			// 封禁期间保留交易所返回的原始错误
			if lastErr == nil {
				lastErr = ErrRateLimitExceeded
			}
			if last {
				break
			}
			if err := sleep(ctx, policy.DenyWait); err != nil {
				return err
			}
			continue
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var throttled Throttled
		if errors.As(err, &throttled) && throttled.IsRateLimit() {
			block := throttled.RetryAfterDuration()
			if block <= 0 {
				block = policy.DefaultBlock
			}
			if policy.MaxBlock > 0 && block > policy.MaxBlock {
				block = policy.MaxBlock
			}
			l.BlockFor(block)
			if last {
				break
			}

			wait := block
			if policy.MaxWait > 0 && wait > policy.MaxWait {
				wait = policy.MaxWait
			}
			zap.L().Warn("⚠️ 交易所限流，等待后重试",
				zap.Duration("block", block),
				zap.Duration("wait", wait),
				zap.Int("attempt", attempt+1))
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		var transient Transient
		if errors.As(err, &transient) && transient.Temporary() {
			if last {
				break
			}
			backoff := policy.BackoffBase << uint(attempt)
			zap.L().Info("🔄 临时错误，退避后重试",
				zap.Error(err),
				zap.Duration("backoff", backoff),
				zap.Int("attempt", attempt+1))
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			continue
		}

		return err
	}

	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
