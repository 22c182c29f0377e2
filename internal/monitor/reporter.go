package monitor

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"binance-market-sync/internal/market"
	"binance-market-sync/internal/notifier"
	"binance-market-sync/internal/scheduler"
	"binance-market-sync/internal/stream"
	"binance-market-sync/pkg/types"
	"go.uber.org/zap"
)

// StoreView 数据仓库只读视图
type StoreView interface {
	Status() market.Status
	Snapshot() types.Snapshot
}

// RateView 限流器只读视图
type RateView interface {
	Status() []types.RateWindow
	BlockedUntil() time.Time
}

// Reporter 同步状态报告器
type Reporter struct {
	store   StoreView
	limiter RateView
	poller  *scheduler.Poller
	start   time.Time
	now     func() time.Time

	notifier notifier.Interface
	alerting bool
	checks   []healthCheck
}

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// Metrics 同步状态指标
type Metrics struct {
	StartTime    time.Time          `json:"start_time"`
	RunTime      string             `json:"run_time"`
	Phase        market.Phase       `json:"phase"`
	Loading      bool               `json:"loading"`
	Error        string             `json:"error,omitempty"`
	StreamState  string             `json:"stream_state,omitempty"`
	LastUpdate   int64              `json:"last_update"`
	DataAge      string             `json:"data_age,omitempty"`
	Symbols      []SymbolMetrics    `json:"symbols"`
	RateWindows  []types.RateWindow `json:"rate_windows,omitempty"`
	BlockedUntil *time.Time         `json:"blocked_until,omitempty"`
	Unhealthy    map[string]string  `json:"unhealthy,omitempty"` // 依赖名 -> 错误
}

// SymbolMetrics 单个交易对指标
type SymbolMetrics struct {
	Symbol           string  `json:"symbol"`
	Price            float64 `json:"price"`
	ChangePercent24h float64 `json:"change_percent_24h"`
	Candles          int     `json:"candles"`
	LastCandle       int64   `json:"last_candle,omitempty"`
}

// NewReporter 创建报告器，limiter 可为 nil
func NewReporter(store StoreView, limiter RateView, interval time.Duration) *Reporter {
	r := &Reporter{
		store:   store,
		limiter: limiter,
		start:   time.Now(),
		now:     time.Now,
	}
	r.poller = scheduler.NewPoller("状态报告", interval, func(ctx context.Context) {
		m := r.generateReport(ctx)
		r.checkHealth(ctx, m)
	})
	return r
}

// SetNotifier 同步状态异常和恢复时发送通知
func (r *Reporter) SetNotifier(n notifier.Interface) {
	r.notifier = n
}

// AddHealthCheck 登记依赖检查，每次报告时执行
func (r *Reporter) AddHealthCheck(name string, check func(ctx context.Context) error) {
	r.checks = append(r.checks, healthCheck{name: name, check: check})
}

// Start 启动定时报告
func (r *Reporter) Start(ctx context.Context) {
	zap.L().Info("📊 启动同步状态报告器", zap.Duration("interval", r.poller.Interval()))
	r.poller.Start(ctx)
}

// Stop 停止定时报告
func (r *Reporter) Stop() {
	r.poller.Stop()
	zap.L().Info("🛑 停止同步状态报告器")
}

// GetMetrics 采集当前指标
func (r *Reporter) GetMetrics() Metrics {
	now := r.now()
	status := r.store.Status()
	snap := r.store.Snapshot()

	m := Metrics{
		StartTime:   r.start,
		RunTime:     now.Sub(r.start).Truncate(time.Second).String(),
		Phase:       status.Phase,
		Loading:     status.Loading,
		Error:       status.Error,
		StreamState: string(status.StreamState),
		LastUpdate:  status.LastUpdate,
	}
	if status.LastUpdate > 0 {
		age := now.Sub(time.UnixMilli(status.LastUpdate))
		m.DataAge = age.Truncate(time.Millisecond).String()
	}

	symbols := make([]string, 0, len(snap.Prices))
	for symbol := range snap.Prices {
		symbols = append(symbols, symbol)
	}
	for symbol := range snap.Candles {
		if _, ok := snap.Prices[symbol]; !ok {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		price := snap.Prices[symbol]
		candles := snap.Candles[symbol]
		sm := SymbolMetrics{
			Symbol:           symbol,
			Price:            price.Price,
			ChangePercent24h: price.ChangePercent24h,
			Candles:          len(candles),
		}
		if len(candles) > 0 {
			sm.LastCandle = candles[len(candles)-1].Timestamp
		}
		m.Symbols = append(m.Symbols, sm)
	}

	if r.limiter != nil {
		m.RateWindows = r.limiter.Status()
		if until := r.limiter.BlockedUntil(); until.After(now) {
			m.BlockedUntil = &until
		}
	}
	return m
}

// runHealthChecks 返回失败的依赖检查
func (r *Reporter) runHealthChecks(ctx context.Context) map[string]string {
	var failed map[string]string
	for _, hc := range r.checks {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := hc.check(checkCtx)
		cancel()
		if err == nil {
			continue
		}
		if failed == nil {
			failed = make(map[string]string)
		}
		failed[hc.name] = err.Error()
	}
	return failed
}

// generateReport 执行依赖检查并输出状态日志
func (r *Reporter) generateReport(ctx context.Context) Metrics {
	m := r.GetMetrics()
	m.Unhealthy = r.runHealthChecks(ctx)

	fields := []zap.Field{
		zap.String("run_time", m.RunTime),
		zap.String("phase", string(m.Phase)),
		zap.Bool("loading", m.Loading),
		zap.String("stream_state", m.StreamState),
		zap.Int64("last_update", m.LastUpdate),
		zap.String("data_age", m.DataAge),
		zap.Int("symbols", len(m.Symbols)),
	}
	if m.Error != "" {
		fields = append(fields, zap.String("error", m.Error))
	}
	zap.L().Info("📈 行情同步状态", fields...)

	for _, w := range m.RateWindows {
		zap.L().Debug("🚦 限流窗口",
			zap.String("interval", fmt.Sprintf("%d%s", w.IntervalCount, w.IntervalUnit)),
			zap.Int("used", w.Used),
			zap.Int("limit", w.Limit))
	}
	if m.BlockedUntil != nil {
		zap.L().Warn("⛔ REST请求被交易所限制", zap.Time("blocked_until", *m.BlockedUntil))
	}
	for name, msg := range m.Unhealthy {
		zap.L().Warn("⚠️ 依赖检查失败", zap.String("dependency", name), zap.String("error", msg))
	}

	for _, s := range m.Symbols {
		zap.L().Debug("💹 交易对状态",
			zap.String("symbol", s.Symbol),
			zap.Float64("price", s.Price),
			zap.Float64("change_percent_24h", s.ChangePercent24h),
			zap.Int("candles", s.Candles))
	}
	return m
}

// checkHealth 只在健康状态变化时通知，同一次异常不重复发送
func (r *Reporter) checkHealth(ctx context.Context, m Metrics) {
	if r.notifier == nil {
		return
	}

	problems := problemsOf(m)
	unhealthy := len(problems) > 0
	if unhealthy == r.alerting {
		return
	}

	notice := notifier.Notice{
		Level:  notifier.LevelAlert,
		Title:  "行情同步异常",
		Detail: problems,
		Time:   r.now(),
	}
	if !unhealthy {
		notice.Level = notifier.LevelRecovery
		notice.Title = "行情同步已恢复"
		notice.Detail = []string{fmt.Sprintf("phase: %s", m.Phase), fmt.Sprintf("stream_state: %s", m.StreamState)}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.notifier.Notify(ctx, notice); err != nil {
		zap.L().Warn("⚠️ 发送同步状态通知失败", zap.Error(err))
		return
	}
	r.alerting = unhealthy
}

func problemsOf(m Metrics) []string {
	var problems []string
	if m.Error != "" {
		problems = append(problems, "error: "+m.Error)
	}
	if m.StreamState == string(stream.StateFailed) {
		problems = append(problems, "stream_state: "+m.StreamState)
	}
	if m.BlockedUntil != nil {
		problems = append(problems, "blocked_until: "+m.BlockedUntil.Format(time.RFC3339))
	}
	names := make([]string, 0, len(m.Unhealthy))
	for name := range m.Unhealthy {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		problems = append(problems, name+": "+m.Unhealthy[name])
	}
	return problems
}

// PrintFormattedReport 打印格式化报告
func (r *Reporter) PrintFormattedReport(w io.Writer) {
	m := r.GetMetrics()

	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, "📈 行情同步状态报告")
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "🕐 运行时间: %s\n", m.RunTime)
	fmt.Fprintf(w, "📦 阶段: %s\n", m.Phase)
	if m.StreamState != "" {
		fmt.Fprintf(w, "🔌 实时连接: %s\n", m.StreamState)
	}
	if m.DataAge != "" {
		fmt.Fprintf(w, "⏱️ 数据时效: %s\n", m.DataAge)
	}
	if m.Error != "" {
		fmt.Fprintf(w, "❌ 错误: %s\n", m.Error)
	}
	for _, win := range m.RateWindows {
		fmt.Fprintf(w, "🚦 权重 %d%s: %d/%d\n", win.IntervalCount, win.IntervalUnit, win.Used, win.Limit)
	}
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, s := range m.Symbols {
		fmt.Fprintf(w, "💹 %s: %.8g (%+.2f%%) K线 %d\n", s.Symbol, s.Price, s.ChangePercent24h, s.Candles)
	}

	fmt.Fprintln(w, strings.Repeat("=", 80)+"\n")
}
