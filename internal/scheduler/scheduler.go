package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Poller 固定周期任务触发器
//
// 任务在同一个 goroutine 中串行执行，Stop 会等待正在执行的任务返回。
type Poller struct {
	name string
	task func(ctx context.Context)

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	resetCh  chan struct{}
}

// NewPoller 创建触发器
func NewPoller(name string, interval time.Duration, task func(ctx context.Context)) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		name:     name,
		task:     task,
		interval: interval,
		resetCh:  make(chan struct{}, 1),
	}
}

// Start 启动触发器，已启动时无操作
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	zap.L().Info("🚀 定时任务启动",
		zap.String("name", p.name),
		zap.Duration("interval", p.interval))

	go p.run(ctx, p.interval, p.done)
}

// Stop 停止触发器并等待当前任务结束，可重复调用
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Reset 修改触发周期，运行中立即生效
func (p *Poller) Reset(interval time.Duration) {
	if interval <= 0 {
		return
	}

	p.mu.Lock()
	changed := p.interval != interval
	p.interval = interval
	p.mu.Unlock()

	if !changed {
		return
	}
	select {
	case p.resetCh <- struct{}{}:
	default:
	}
}

// Interval 当前触发周期
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Running 是否在运行
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("📴 定时任务已停止", zap.String("name", p.name))
			return
		case <-p.resetCh:
			next := p.Interval()
			ticker.Reset(next)
			zap.L().Info("⏰ 定时任务周期已调整",
				zap.String("name", p.name),
				zap.Duration("interval", next))
		case <-ticker.C:
			p.task(ctx)
		}
	}
}
