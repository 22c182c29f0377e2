package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"binance-market-sync/internal/scheduler"
	"binance-market-sync/internal/stream"
	"binance-market-sync/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrRefreshInFlight 已有刷新在进行
	ErrRefreshInFlight = errors.New("行情刷新正在进行")
	// ErrClosed 数据仓库已关闭
	ErrClosed = errors.New("行情数据仓库已关闭")
	// ErrNoData 刷新未取得任何交易对数据
	ErrNoData = errors.New("未获取到任何交易对数据")
)

// Phase 数据仓库阶段
type Phase string

const (
	PhaseInitializing Phase = "INITIALIZING"
	PhaseReady        Phase = "READY"
	PhaseRefreshing   Phase = "REFRESHING"
)

// DataSource REST批量数据来源
type DataSource interface {
	GetMultipleSymbolsData(ctx context.Context, symbols []string, interval types.Interval, limit int) (map[string]types.SymbolData, error)
}

// SnapshotCache 快照持久化
type SnapshotCache interface {
	Load(ctx context.Context) (types.Snapshot, bool)
	Save(ctx context.Context, snap types.Snapshot) error
}

// StreamSource 实时行情流
type StreamSource interface {
	SubscribeTicker(symbol string)
	SubscribeKlines(symbol string, interval types.Interval)
	Connect(ctx context.Context) error
	Disconnect()
	Events() <-chan stream.Event
	Lifecycle() <-chan stream.Event
	State() stream.State
}

// CandleArchive 已收盘K线归档
type CandleArchive interface {
	SaveCandles(ctx context.Context, symbol string, candles []types.CandleData) error
	RecentCandles(ctx context.Context, symbol string, interval types.Interval, limit int) ([]types.CandleData, error)
}

// Config 数据仓库配置
type Config struct {
	Symbols              []string
	Interval             types.Interval
	CandleLimit          int
	EnableRealtime       bool
	CacheTTL             time.Duration
	FallbackPollInterval time.Duration
}

// NewConfig 从配置文件转换，交易对统一为大写
func NewConfig(mc types.MarketConfig) (Config, error) {
	interval, err := types.ParseInterval(mc.Interval)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Interval:             interval,
		CandleLimit:          mc.CandleLimit,
		EnableRealtime:       mc.EnableRealtime,
		CacheTTL:             mc.CacheTTL,
		FallbackPollInterval: mc.FallbackPollInterval,
	}
	seen := make(map[string]struct{})
	for _, s := range mc.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		cfg.Symbols = append(cfg.Symbols, s)
	}
	if len(cfg.Symbols) == 0 {
		return Config{}, errors.New("未配置交易对")
	}
	return cfg, nil
}

// PollInterval 实时流开启时按缓存TTL轮询，否则使用较短的兜底周期
func (c Config) PollInterval() time.Duration {
	if c.EnableRealtime {
		return c.CacheTTL
	}
	return c.FallbackPollInterval
}

// Status 数据仓库状态
type Status struct {
	Phase       Phase
	Loading     bool
	Error       string
	LastUpdate  int64
	Symbols     int
	StreamState stream.State
}

// Option 可选组件
type Option func(*Store)

// WithStream 使用实时行情流，数据仓库接管其生命周期
func WithStream(s StreamSource) Option {
	return func(st *Store) { st.stream = s }
}

// WithArchive 归档已收盘K线
func WithArchive(a CandleArchive) Option {
	return func(st *Store) { st.archive = a }
}

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

type archiveJob struct {
	symbol  string
	candles []types.CandleData
}

// Store 行情数据仓库
//
// 启动时优先使用缓存，否则通过REST加载；之后由轮询和实时流持续更新，
// 每次变更后异步持久化最新快照。
type Store struct {
	cfg     Config
	fetcher DataSource
	cache   SnapshotCache
	stream  StreamSource
	archive CandleArchive
	now     func() time.Time

	mu       sync.RWMutex
	snapshot types.Snapshot
	phase    Phase
	loading  bool
	lastErr  error
	started  bool
	closed   bool

	poller    *scheduler.Poller
	persistCh chan struct{}
	archiveCh chan archiveJob

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStore 创建数据仓库
func NewStore(cfg Config, fetcher DataSource, cache SnapshotCache, opts ...Option) *Store {
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = DefaultCandleLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.FallbackPollInterval <= 0 {
		cfg.FallbackPollInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		cfg:       cfg,
		fetcher:   fetcher,
		cache:     cache,
		now:       time.Now,
		snapshot:  types.NewSnapshot(),
		phase:     PhaseInitializing,
		persistCh: make(chan struct{}, 1),
		archiveCh: make(chan archiveJob, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.poller = scheduler.NewPoller("行情轮询", cfg.PollInterval(), s.poll)
	return s
}

// Start 加载初始数据并启动轮询和实时流
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.wg.Add(1)
	go s.persistLoop()
	if s.archive != nil {
		s.wg.Add(1)
		go s.archiveLoop()
	}
	s.mu.Unlock()

	if snap, ok := s.loadCache(ctx); ok {
		s.mu.Lock()
		s.snapshot = snap
		s.phase = PhaseReady
		s.mu.Unlock()
		zap.L().Info("📦 使用缓存行情数据",
			zap.Int("prices", len(snap.Prices)),
			zap.Int64("last_update", snap.LastUpdate))
	} else {
		s.seedFromArchive(ctx)
		if err := s.Refresh(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			zap.L().Warn("⚠️ 初始行情加载失败，等待轮询重试", zap.Error(err))
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// 加载期间可能已被关闭，后台任务只能在关闭前登记
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.poller.Start(s.ctx)
	realtime := s.stream != nil && s.cfg.EnableRealtime
	if realtime {
		for _, symbol := range s.cfg.Symbols {
			s.stream.SubscribeTicker(symbol)
			s.stream.SubscribeKlines(symbol, s.cfg.Interval)
		}
		s.wg.Add(2)
	}
	s.mu.Unlock()

	if realtime {
		go s.collect(s.stream.Events(), s.stream.Lifecycle())
		go func() {
			defer s.wg.Done()
			if err := s.stream.Connect(s.ctx); err != nil && s.ctx.Err() == nil {
				zap.L().Warn("⚠️ 实时行情连接失败，等待自动重连", zap.Error(err))
			}
		}()
	}

	zap.L().Info("🚀 行情数据仓库已启动",
		zap.Strings("symbols", s.cfg.Symbols),
		zap.String("interval", string(s.cfg.Interval)),
		zap.Bool("realtime", realtime),
		zap.Duration("poll_interval", s.cfg.PollInterval()))
	return nil
}

// Refresh 通过REST刷新全部交易对，已有刷新进行时返回 ErrRefreshInFlight
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.loading {
		s.mu.Unlock()
		return ErrRefreshInFlight
	}
	s.loading = true
	s.phase = PhaseRefreshing
	s.mu.Unlock()

	zap.L().Info("🔄 正在刷新行情数据...", zap.Int("symbols", len(s.cfg.Symbols)))
	result, err := s.fetcher.GetMultipleSymbolsData(ctx, s.cfg.Symbols, s.cfg.Interval, s.cfg.CandleLimit)

	s.mu.Lock()
	s.loading = false
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.phase = PhaseReady

	if len(result) == 0 {
		if err == nil {
			err = ErrNoData
		}
		s.lastErr = fmt.Errorf("刷新行情失败: %w", err)
		failure := s.lastErr
		s.mu.Unlock()
		zap.L().Error("❌ 刷新行情失败", zap.Error(err))
		return failure
	}

	var archived []archiveJob
	for symbol, data := range result {
		s.snapshot.Prices[symbol] = data.Price
		merged, _ := MergeCandles(s.snapshot.Candles[symbol], s.filterInterval(data.Candles), s.cfg.CandleLimit)
		s.snapshot.Candles[symbol] = merged
		if closed := closedCandles(data.Candles); len(closed) > 0 {
			archived = append(archived, archiveJob{symbol: symbol, candles: closed})
		}
	}
	s.snapshot.LastUpdate = types.NowMillis(s.now())
	s.lastErr = nil
	s.mu.Unlock()

	s.schedulePersist()
	for _, job := range archived {
		s.scheduleArchive(job)
	}

	if missing := s.missingSymbols(result); len(missing) > 0 {
		zap.L().Warn("⚠️ 部分交易对刷新失败", zap.Strings("symbols", missing))
	}
	zap.L().Info("✅ 行情数据刷新完成", zap.Int("symbols", len(result)))
	return nil
}

// ApplyPrice 合并一条行情，按到达顺序后到者为准
func (s *Store) ApplyPrice(price types.PriceData) {
	if price.Symbol == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.snapshot.Prices[price.Symbol] = price
	s.snapshot.LastUpdate = types.NowMillis(s.now())
	s.mu.Unlock()

	s.schedulePersist()
}

// ApplyCandle 合并一根K线，只接受跟踪周期的K线
func (s *Store) ApplyCandle(symbol string, candle types.CandleData) {
	if symbol == "" || candle.Interval != s.cfg.Interval {
		zap.L().Debug("忽略非跟踪周期的K线",
			zap.String("symbol", symbol),
			zap.String("interval", string(candle.Interval)))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	merged, changed := MergeCandle(s.snapshot.Candles[symbol], candle, s.cfg.CandleLimit)
	if !changed {
		s.mu.Unlock()
		return
	}
	s.snapshot.Candles[symbol] = merged
	s.snapshot.LastUpdate = types.NowMillis(s.now())
	s.mu.Unlock()

	s.schedulePersist()
	if candle.IsClosed {
		s.scheduleArchive(archiveJob{symbol: symbol, candles: []types.CandleData{candle}})
	}
}

// GetPrice 读取交易对最新行情
func (s *Store) GetPrice(symbol string) (types.PriceData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.snapshot.Prices[symbol]
	return price, ok
}

// GetCandles 读取交易对K线副本
func (s *Store) GetCandles(symbol string) []types.CandleData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candles := s.snapshot.Candles[symbol]
	out := make([]types.CandleData, len(candles))
	copy(out, candles)
	return out
}

// Snapshot 当前快照的深拷贝
func (s *Store) Snapshot() types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// Status 当前状态
func (s *Store) Status() Status {
	s.mu.RLock()
	st := Status{
		Phase:      s.phase,
		Loading:    s.loading,
		LastUpdate: s.snapshot.LastUpdate,
		Symbols:    len(s.snapshot.Prices),
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	s.mu.RUnlock()

	if s.stream != nil {
		st.StreamState = s.stream.State()
	}
	return st
}

// Err 最近一次错误
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ClearError 清除错误标记
func (s *Store) ClearError() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
}

// Flush 立即持久化当前快照
func (s *Store) Flush(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	snap := s.Snapshot()
	if snap.LastUpdate == 0 {
		return nil
	}
	return s.cache.Save(ctx, snap)
}

// Close 停止轮询和实时流，等待后台任务退出并写入最终快照，可重复调用
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.poller.Stop()
		if s.stream != nil {
			s.stream.Disconnect()
		}
		s.cancel()
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			zap.L().Warn("⚠️ 写入最终行情快照失败", zap.Error(err))
		}

		zap.L().Info("📴 行情数据仓库已关闭")
	})
}

func (s *Store) poll(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshInFlight) && !errors.Is(err, ErrClosed) {
		zap.L().Warn("⚠️ 定时刷新失败", zap.Error(err))
	}
}

// seedFromArchive 缓存未命中时用归档K线预填
func (s *Store) seedFromArchive(ctx context.Context) {
	if s.archive == nil {
		return
	}

	seeded := 0
	for _, symbol := range s.cfg.Symbols {
		candles, err := s.archive.RecentCandles(ctx, symbol, s.cfg.Interval, s.cfg.CandleLimit)
		if err != nil {
			zap.L().Warn("⚠️ 读取归档K线失败", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if len(candles) == 0 {
			continue
		}
		s.mu.Lock()
		merged, _ := MergeCandles(s.snapshot.Candles[symbol], candles, s.cfg.CandleLimit)
		s.snapshot.Candles[symbol] = merged
		s.mu.Unlock()
		seeded++
	}
	if seeded > 0 {
		zap.L().Info("📚 已从归档预填K线", zap.Int("symbols", seeded))
	}
}

func (s *Store) loadCache(ctx context.Context) (types.Snapshot, bool) {
	if s.cache == nil {
		return types.Snapshot{}, false
	}
	return s.cache.Load(ctx)
}

// collect 唯一的事件消费者，保证同一交易对按到达顺序合并
func (s *Store) collect(events, lifecycle <-chan stream.Event) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-lifecycle:
			s.handleEvent(ev)
		case ev := <-events:
			s.handleEvent(ev)
		}
	}
}

func (s *Store) handleEvent(ev stream.Event) {
	switch ev.Type {
	case stream.EventPrice:
		s.ApplyPrice(ev.Price)
	case stream.EventCandle:
		s.ApplyCandle(ev.Symbol, ev.Candle)
	case stream.EventConnected:
		s.ClearError()
		s.poller.Reset(s.cfg.PollInterval())
	case stream.EventFatal:
		s.mu.Lock()
		s.lastErr = fmt.Errorf("实时行情不可用: %w", ev.Err)
		s.mu.Unlock()
		// 实时流不可用时按兜底周期轮询
		s.poller.Reset(s.cfg.FallbackPollInterval)
		zap.L().Error("❌ 实时行情永久断开，改用REST轮询",
			zap.Duration("poll_interval", s.cfg.FallbackPollInterval))
	}
}

func (s *Store) schedulePersist() {
	if s.cache == nil {
		return
	}
	select {
	case s.persistCh <- struct{}{}:
	default:
	}
}

// persistLoop 合并连续的写入请求，始终写入最新快照
func (s *Store) persistLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.persistCh:
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			if err := s.Flush(ctx); err != nil && s.ctx.Err() == nil {
				zap.L().Warn("⚠️ 保存行情缓存失败", zap.Error(err))
			}
			cancel()
		}
	}
}

func (s *Store) scheduleArchive(job archiveJob) {
	if s.archive == nil {
		return
	}
	select {
	case s.archiveCh <- job:
	default:
		zap.L().Warn("归档队列已满，丢弃K线", zap.String("symbol", job.symbol))
	}
}

func (s *Store) archiveLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.archiveCh:
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			if err := s.archive.SaveCandles(ctx, job.symbol, job.candles); err != nil && s.ctx.Err() == nil {
				zap.L().Warn("⚠️ 归档K线失败", zap.String("symbol", job.symbol), zap.Error(err))
			}
			cancel()
		}
	}
}

func (s *Store) filterInterval(candles []types.CandleData) []types.CandleData {
	out := make([]types.CandleData, 0, len(candles))
	for _, c := range candles {
		if c.Interval == s.cfg.Interval {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) missingSymbols(result map[string]types.SymbolData) []string {
	var missing []string
	for _, symbol := range s.cfg.Symbols {
		if _, ok := result[symbol]; !ok {
			missing = append(missing, symbol)
		}
	}
	sort.Strings(missing)
	return missing
}

func closedCandles(candles []types.CandleData) []types.CandleData {
	var out []types.CandleData
	for _, c := range candles {
		if c.IsClosed {
			out = append(out, c)
		}
	}
	return out
}
