package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"binance-market-sync/pkg/types"
	"github.com/spf13/viper"
)

// Load 加载配置
func Load() (*types.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// 设置默认值
	setDefaults(v)

	// 读取环境变量，例如 MARKET_CACHE_TTL 覆盖 market.cache_ttl
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 优先尝试读取本地配置文件
	v.SetConfigName("config.local")
	if err := v.ReadInConfig(); err != nil {
		// 如果本地配置文件不存在，尝试读取默认配置文件
		v.SetConfigName("config")
		if err := v.ReadInConfig(); err != nil {
			var configFileNotFoundError viper.ConfigFileNotFoundError
			if !errors.As(err, &configFileNotFoundError) {
				return nil, err
			}
		}
	}

	var config types.Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 校验配置
func Validate(cfg *types.Config) error {
	if len(cfg.Market.Symbols) == 0 {
		return errors.New("market.symbols 不能为空")
	}
	if _, err := types.ParseInterval(cfg.Market.Interval); err != nil {
		return err
	}
	if cfg.Market.CacheTTL <= 0 {
		return errors.New("market.cache_ttl 必须大于0")
	}
	for i, w := range cfg.RateLimit.Windows {
		if w.Limit <= 0 || w.IntervalCount <= 0 {
			return fmt.Errorf("rate_limit.windows[%d] 配置无效", i)
		}
		if types.IntervalUnitDuration(w.IntervalUnit) == 0 {
			return fmt.Errorf("rate_limit.windows[%d] 未知周期单位: %s", i, w.IntervalUnit)
		}
	}
	switch cfg.Cache.Backend {
	case "redis", "sql", "memory":
	default:
		return fmt.Errorf("未知缓存后端: %s", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend == "sql" && cfg.Database.Driver == "" {
		return errors.New("cache.backend=sql 需要配置 database.driver")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_path", "logs")
	v.SetDefault("log.max_size", 200)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.compress", false)
	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "data/market.db")
	v.SetDefault("database.archive_klines", false)
	v.SetDefault("database.mysql.max_idle_conns", 5)
	v.SetDefault("database.mysql.max_open_conns", 10)
	v.SetDefault("network.proxy", "")
	v.SetDefault("network.timeout", 30*time.Second)
	v.SetDefault("binance.rest_base_url", "https://api.binance.com")
	v.SetDefault("binance.ws_endpoint", "wss://stream.binance.com:9443/stream")
	v.SetDefault("rate_limit.windows", []map[string]interface{}{
		{"kind": "REQUEST_WEIGHT", "interval_unit": "MINUTE", "interval_count": 1, "limit": 6000},
		{"kind": "REQUEST_WEIGHT", "interval_unit": "SECOND", "interval_count": 10, "limit": 100},
	})
	v.SetDefault("rate_limit.max_retries", 3)
	v.SetDefault("rate_limit.deny_wait", time.Second)
	v.SetDefault("rate_limit.max_wait", 30*time.Second)
	v.SetDefault("rate_limit.max_block", 5*time.Minute)
	v.SetDefault("rate_limit.backoff_base", time.Second)
	v.SetDefault("rate_limit.sync_from_exchange", true)
	v.SetDefault("stream.ping_interval", 30*time.Second)
	v.SetDefault("stream.pong_timeout", 10*time.Second)
	v.SetDefault("stream.reconnect_base_delay", time.Second)
	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.event_buffer", 1000)
	v.SetDefault("market.symbols", []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"})
	v.SetDefault("market.interval", "1h")
	v.SetDefault("market.candle_limit", 100)
	v.SetDefault("market.enable_realtime", true)
	v.SetDefault("market.cache_ttl", 5*time.Minute)
	v.SetDefault("market.fallback_poll_interval", 30*time.Second)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.key", "market_data_cache")
	v.SetDefault("monitor.report_interval", time.Minute)
	v.SetDefault("notify.dingtalk.webhook_url", "")
	v.SetDefault("notify.dingtalk.secret", "")
	v.SetDefault("notify.pushplus.user_token", "")
	v.SetDefault("notify.pushplus.to", "")
}
