package types

import "time"

// Config 主配置结构
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Network   NetworkConfig   `mapstructure:"network"`
	Binance   BinanceConfig   `mapstructure:"binance"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Market    MarketConfig    `mapstructure:"market"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // 日志级别
	FilePath   string `mapstructure:"file_path"`   // 日志输出路径名，为空时只输出到控制台
	MaxSize    int    `mapstructure:"max_size"`    // 日志文件大小 单位：MB，超限后会自动切割
	MaxAge     int    `mapstructure:"max_age"`     // 日志文件存放时间 单位：天
	MaxBackups int    `mapstructure:"max_backups"` // 日志文件备份数量
	Compress   bool   `mapstructure:"compress"`    // 日志文件压缩
}

// RedisConfig Redis配置
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver        string      `mapstructure:"driver"` // mysql 或 sqlite，为空表示不启用
	DSN           string      `mapstructure:"dsn"`    // sqlite 文件路径，mysql 时为空则由 MySQL 字段拼接
	MySQL         MySQLConfig `mapstructure:"mysql"`
	ArchiveKlines bool        `mapstructure:"archive_klines"` // 是否归档已收盘K线
}

// MySQLConfig MySQL配置
type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// NetworkConfig 网络配置
type NetworkConfig struct {
	Proxy   string        `mapstructure:"proxy"`   // HTTP代理地址，如 http://127.0.0.1:7890
	Timeout time.Duration `mapstructure:"timeout"` // 网络超时时间
}

// BinanceConfig 交易所地址
type BinanceConfig struct {
	RestBaseURL string `mapstructure:"rest_base_url"`
	WSEndpoint  string `mapstructure:"ws_endpoint"`
}

// RateWindowConfig 单个限流窗口
type RateWindowConfig struct {
	Kind          string `mapstructure:"kind"`
	IntervalUnit  string `mapstructure:"interval_unit"`
	IntervalCount int    `mapstructure:"interval_count"`
	Limit         int    `mapstructure:"limit"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Windows          []RateWindowConfig `mapstructure:"windows"`
	MaxRetries       int                `mapstructure:"max_retries"`        // 单次请求最大尝试次数
	DenyWait         time.Duration      `mapstructure:"deny_wait"`          // 本地限流拒绝后的等待时间
	MaxWait          time.Duration      `mapstructure:"max_wait"`           // 429/418 后单次等待上限
	MaxBlock         time.Duration      `mapstructure:"max_block"`          // 429/418 封禁时长上限
	BackoffBase      time.Duration      `mapstructure:"backoff_base"`       // 网络错误退避基数
	SyncFromExchange bool               `mapstructure:"sync_from_exchange"` // 启动时按 exchangeInfo 更新窗口
}

// StreamConfig WebSocket配置
type StreamConfig struct {
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	PongTimeout          time.Duration `mapstructure:"pong_timeout"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	EventBuffer          int           `mapstructure:"event_buffer"`
}

// MarketConfig 行情同步配置
type MarketConfig struct {
	Symbols              []string      `mapstructure:"symbols"`
	Interval             string        `mapstructure:"interval"`
	CandleLimit          int           `mapstructure:"candle_limit"`
	EnableRealtime       bool          `mapstructure:"enable_realtime"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	FallbackPollInterval time.Duration `mapstructure:"fallback_poll_interval"` // 未启用实时推送时的轮询周期
}

// CacheConfig 快照缓存配置
type CacheConfig struct {
	Backend string `mapstructure:"backend"` // redis, sql, memory
	Key     string `mapstructure:"key"`
}

// MonitorConfig 状态报告配置
type MonitorConfig struct {
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// NotifyConfig 同步异常通知配置，均未配置时输出到日志
type NotifyConfig struct {
	DingTalk DingTalkConfig `mapstructure:"dingtalk"`
	PushPlus PushPlusConfig `mapstructure:"pushplus"`
}

// DingTalkConfig 钉钉机器人配置
type DingTalkConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Secret     string `mapstructure:"secret"` // 加签密钥
}

// PushPlusConfig PushPlus配置
type PushPlusConfig struct {
	UserToken string `mapstructure:"user_token"`
	To        string `mapstructure:"to"` // 好友令牌，多人用逗号分隔
}
