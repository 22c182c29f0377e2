package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-market-sync/internal/fetcher"
	"binance-market-sync/internal/market"
	"binance-market-sync/internal/monitor"
	"binance-market-sync/internal/notifier"
	"binance-market-sync/internal/ratelimit"
	"binance-market-sync/internal/storage"
	"binance-market-sync/internal/storage/database"
	"binance-market-sync/internal/stream"
	"binance-market-sync/pkg/types"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// App 应用程序管理器
type App struct {
	config *types.Config
	ctx    context.Context
	cancel context.CancelFunc

	limiter  *ratelimit.Limiter
	client   *fetcher.RestClient
	store    *market.Store
	reporter *monitor.Reporter

	redisClient *redis.Client
	dbManager   *database.Manager
}

// NewApp 创建应用程序实例
func NewApp(config *types.Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 组装并启动各模块
func (app *App) Start() error {
	zap.L().Info("🚀 Binance Market Sync 启动中...")

	marketConfig, err := market.NewConfig(app.config.Market)
	if err != nil {
		return err
	}

	app.limiter = ratelimit.New(app.config.RateLimit.Windows)
	app.client = fetcher.NewRestClient(
		app.config.Binance.RestBaseURL,
		fetcher.NewHTTPClient(app.config.Network),
		app.limiter,
		ratelimit.PolicyFromConfig(app.config.RateLimit),
	)
	if app.config.RateLimit.SyncFromExchange {
		app.syncRateLimits()
	}
	app.checkSymbols(marketConfig.Symbols)

	if app.needsDatabase() {
		app.dbManager, err = database.Open(app.config.Database)
		if err != nil {
			return err
		}
	}

	kv, err := app.newKV()
	if err != nil {
		return err
	}
	cache := storage.NewSnapshotCache(kv, app.config.Cache.Key, marketConfig.CacheTTL)

	opts := []market.Option{}
	if marketConfig.EnableRealtime {
		opts = append(opts, market.WithStream(stream.NewClient(app.config.Binance.WSEndpoint, app.config.Network.Proxy, app.config.Stream)))
	}
	if app.dbManager != nil && app.config.Database.ArchiveKlines {
		opts = append(opts, market.WithArchive(app.dbManager))
	}

	app.store = market.NewStore(marketConfig, app.client, cache, opts...)
	if err := app.store.Start(app.ctx); err != nil {
		return err
	}

	app.reporter = monitor.NewReporter(app.store, app.limiter, app.config.Monitor.ReportInterval)
	app.reporter.SetNotifier(notifier.New(app.config.Notify))
	if app.dbManager != nil {
		app.reporter.AddHealthCheck("database", app.dbManager.Health)
	}
	if app.redisClient != nil {
		app.reporter.AddHealthCheck("redis", func(ctx context.Context) error {
			return app.redisClient.Ping(ctx).Err()
		})
	}
	app.reporter.Start(app.ctx)

	zap.L().Info("✅ Binance Market Sync 已启动",
		zap.String("cache_backend", app.config.Cache.Backend),
		zap.Bool("archive", app.config.Database.ArchiveKlines && app.dbManager != nil))
	return nil
}

// Stop 停止应用程序
func (app *App) Stop() {
	zap.L().Info("🛑 收到停止信号，正在优雅关闭...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if app.reporter != nil {
			app.reporter.Stop()
			app.reporter.PrintFormattedReport(os.Stdout)
		}
		if app.store != nil {
			app.store.Close()
		}
		app.cancel()
		app.closeResources()
	}()

	// 最多等待30秒
	select {
	case <-done:
		zap.L().Info("✅ Binance Market Sync 已安全关闭")
	case <-time.After(30 * time.Second):
		zap.L().Warn("⚠️ 强制关闭超时")
	}
}

// WaitForShutdown 等待关闭信号
func (app *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// syncRateLimits 用交易所公布的权重限制替换本地窗口，失败时沿用配置
func (app *App) syncRateLimits() {
	ctx, cancel := context.WithTimeout(app.ctx, 15*time.Second)
	defer cancel()

	info, err := app.client.GetExchangeInfo(ctx)
	if err != nil {
		zap.L().Warn("⚠️ 获取交易所限流配置失败，使用本地配置", zap.Error(err))
		return
	}
	app.limiter.Reconfigure(info.RateWindows())
}

// checkSymbols 提示交易所不存在的交易对，请求失败时跳过
func (app *App) checkSymbols(symbols []string) {
	ctx, cancel := context.WithTimeout(app.ctx, 15*time.Second)
	defer cancel()

	prices, err := app.client.GetAllPrices(ctx)
	if err != nil {
		zap.L().Warn("⚠️ 获取交易对列表失败，跳过校验", zap.Error(err))
		return
	}
	if unknown := unknownSymbols(prices, symbols); len(unknown) > 0 {
		zap.L().Warn("⚠️ 交易所未找到以下交易对", zap.Strings("symbols", unknown))
	}
}

func unknownSymbols(prices []fetcher.BinancePrice, symbols []string) []string {
	listed := make(map[string]struct{}, len(prices))
	for _, p := range prices {
		listed[p.Symbol] = struct{}{}
	}
	var unknown []string
	for _, symbol := range symbols {
		if _, ok := listed[symbol]; !ok {
			unknown = append(unknown, symbol)
		}
	}
	return unknown
}

func (app *App) needsDatabase() bool {
	if app.config.Database.Driver == "" {
		return false
	}
	return app.config.Cache.Backend == "sql" || app.config.Database.ArchiveKlines
}

// newKV 按配置选择缓存后端
func (app *App) newKV() (storage.KV, error) {
	switch app.config.Cache.Backend {
	case "redis":
		client, err := storage.ConnectRedis(app.config.Redis)
		if err != nil {
			return nil, err
		}
		app.redisClient = client
		return storage.NewRedisKV(client), nil
	case "sql":
		if app.dbManager == nil {
			return nil, fmt.Errorf("缓存后端 sql 需要配置数据库")
		}
		return storage.NewSQLKV(app.dbManager.DB())
	case "memory", "":
		zap.L().Warn("⚠️ 使用内存缓存，重启后缓存丢失")
		return storage.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("未知缓存后端: %s", app.config.Cache.Backend)
	}
}

func (app *App) closeResources() {
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			zap.L().Warn("⚠️ 关闭Redis连接失败", zap.Error(err))
		}
	}
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			zap.L().Warn("⚠️ 关闭数据库连接失败", zap.Error(err))
		}
	}
}
