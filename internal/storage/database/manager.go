package database

import (
	"context"
	"fmt"
	"time"

	"binance-market-sync/pkg/types"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Manager 数据库管理器
type Manager struct {
	db     *gorm.DB
	driver string
}

// Candle 已收盘K线归档模型
type Candle struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Symbol    string    `gorm:"type:varchar(20);not null;uniqueIndex:uk_symbol_interval_time" json:"symbol"`
	Interval  string    `gorm:"column:kline_interval;type:varchar(10);not null;uniqueIndex:uk_symbol_interval_time" json:"interval"`
	OpenTime  int64     `gorm:"not null;uniqueIndex:uk_symbol_interval_time" json:"open_time"`
	Open      float64   `gorm:"type:decimal(20,8);not null" json:"open"`
	High      float64   `gorm:"type:decimal(20,8);not null" json:"high"`
	Low       float64   `gorm:"type:decimal(20,8);not null" json:"low"`
	Close     float64   `gorm:"type:decimal(20,8);not null" json:"close"`
	Volume    float64   `gorm:"type:decimal(28,8);not null" json:"volume"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 表名
func (Candle) TableName() string { return "candles" }

// Open 按配置连接数据库，driver 为 mysql 或 sqlite
func Open(config types.DatabaseConfig) (*Manager, error) {
	var dialector gorm.Dialector
	switch config.Driver {
	case "mysql":
		dialector = mysql.Open(mysqlDSN(config))
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %q", config.Driver)
	}

	// 配置GORM日志
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库实例失败: %w", err)
	}
	if config.Driver == "sqlite" {
		// SQLite 单写者，内存库每个连接都是独立的数据库
		sqlDB.SetMaxOpenConns(1)
	} else {
		if config.MySQL.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(config.MySQL.MaxIdleConns)
		}
		if config.MySQL.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(config.MySQL.MaxOpenConns)
		}
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	manager, err := NewManager(db)
	if err != nil {
		return nil, err
	}
	manager.driver = config.Driver

	zap.L().Info("✅ 数据库连接成功",
		zap.String("driver", config.Driver),
		zap.String("database", describeTarget(config)))

	return manager, nil
}

// NewManager 基于已有连接创建管理器并迁移表结构
func NewManager(db *gorm.DB) (*Manager, error) {
	manager := &Manager{db: db, driver: db.Dialector.Name()}
	if err := manager.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}
	return manager, nil
}

// AutoMigrate 自动迁移表结构
func (m *Manager) AutoMigrate() error {
	return m.db.AutoMigrate(&Candle{})
}

// DB 底层连接，供键值存储复用
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// SaveCandles 归档已收盘K线，未收盘的K线被忽略，重复K线按唯一键更新
func (m *Manager) SaveCandles(ctx context.Context, symbol string, candles []types.CandleData) error {
	rows := make([]Candle, 0, len(candles))
	for _, c := range candles {
		if !c.IsClosed {
			continue
		}
		rows = append(rows, Candle{
			Symbol:   symbol,
			Interval: string(c.Interval),
			OpenTime: c.Timestamp,
			Open:     c.Open,
			High:     c.High,
			Low:      c.Low,
			Close:    c.Close,
			Volume:   c.Volume,
		})
	}
	if len(rows) == 0 {
		return nil
	}

	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "kline_interval"}, {Name: "open_time"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume", "updated_at"}),
	}).CreateInBatches(&rows, 100).Error
	if err != nil {
		return fmt.Errorf("归档K线失败: %w", err)
	}

	zap.L().Debug("✅ 已归档K线",
		zap.String("symbol", symbol),
		zap.Int("count", len(rows)))
	return nil
}

// RecentCandles 按时间升序返回最近 limit 根已归档K线
func (m *Manager) RecentCandles(ctx context.Context, symbol string, interval types.Interval, limit int) ([]types.CandleData, error) {
	var rows []Candle
	q := m.db.WithContext(ctx).
		Where(&Candle{Symbol: symbol, Interval: string(interval)}).
		Order("open_time DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	candles := make([]types.CandleData, len(rows))
	for i, row := range rows {
		// 查询结果从新到旧，反转为从旧到新
		candles[len(rows)-1-i] = types.CandleData{
			Timestamp: row.OpenTime,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
			Interval:  types.Interval(row.Interval),
			IsClosed:  true,
		}
	}
	return candles, nil
}

// Close 关闭数据库连接
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接健康状态
func (m *Manager) Health(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func mysqlDSN(config types.DatabaseConfig) string {
	if config.DSN != "" {
		return config.DSN
	}
	c := config.MySQL
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Username,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

func describeTarget(config types.DatabaseConfig) string {
	if config.Driver == "mysql" && config.DSN == "" {
		return fmt.Sprintf("%s:%d/%s", config.MySQL.Host, config.MySQL.Port, config.MySQL.Database)
	}
	if config.Driver == "sqlite" {
		return config.DSN
	}
	return config.Driver
}
