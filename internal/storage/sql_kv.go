package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KVEntry 键值表模型
type KVEntry struct {
	Key       string    `gorm:"column:entry_key;type:varchar(191);primaryKey"`
	Value     string    `gorm:"column:entry_value;type:longtext;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName 表名
func (KVEntry) TableName() string { return "kv_entries" }

// SQLKV 基于SQL表的键值存储，MySQL 和 SQLite 通用
type SQLKV struct {
	db *gorm.DB
}

// NewSQLKV 创建SQL键值存储并迁移表结构
func NewSQLKV(db *gorm.DB) (*SQLKV, error) {
	if err := db.AutoMigrate(&KVEntry{}); err != nil {
		return nil, fmt.Errorf("迁移键值表失败: %w", err)
	}
	return &SQLKV{db: db}, nil
}

func (s *SQLKV) GetItem(ctx context.Context, key string) (string, bool, error) {
	var entry KVEntry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Value, true, nil
}

func (s *SQLKV) SetItem(ctx context.Context, key, value string) error {
	entry := KVEntry{Key: key, Value: value, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at"}),
	}).Create(&entry).Error
}

func (s *SQLKV) RemoveItem(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&KVEntry{}).Error
}
