package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"binance-market-sync/pkg/types"
	"go.uber.org/zap"
)

// DefaultCacheKey 快照缓存键
const DefaultCacheKey = "market_data_cache"

// SnapshotCache 带TTL的行情快照缓存
type SnapshotCache struct {
	kv  KV
	key string
	ttl time.Duration
	now func() time.Time
}

// NewSnapshotCache 创建快照缓存
func NewSnapshotCache(kv KV, key string, ttl time.Duration) *SnapshotCache {
	if key == "" {
		key = DefaultCacheKey
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SnapshotCache{kv: kv, key: key, ttl: ttl, now: time.Now}
}

// WithClock 替换时钟，测试使用
func (c *SnapshotCache) WithClock(now func() time.Time) *SnapshotCache {
	c.now = now
	return c
}

// TTL 缓存有效期
func (c *SnapshotCache) TTL() time.Duration {
	return c.ttl
}

// Load 读取未过期的快照
//
// 键不存在、内容损坏或已过期时返回 false。损坏的内容会被尽力删除。
func (c *SnapshotCache) Load(ctx context.Context) (types.Snapshot, bool) {
	raw, ok, err := c.kv.GetItem(ctx, c.key)
	if err != nil {
		zap.L().Warn("⚠️ 读取行情缓存失败", zap.String("key", c.key), zap.Error(err))
		return types.Snapshot{}, false
	}
	if !ok {
		return types.Snapshot{}, false
	}

	var snap types.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		zap.L().Warn("⚠️ 行情缓存已损坏，删除", zap.String("key", c.key), zap.Error(err))
		if err := c.kv.RemoveItem(ctx, c.key); err != nil {
			zap.L().Debug("删除损坏缓存失败", zap.Error(err))
		}
		return types.Snapshot{}, false
	}
	snap.Normalize()

	age := time.Duration(types.NowMillis(c.now())-snap.LastUpdate) * time.Millisecond
	if age >= c.ttl {
		zap.L().Debug("行情缓存已过期",
			zap.Duration("age", age),
			zap.Duration("ttl", c.ttl))
		return types.Snapshot{}, false
	}

	return snap, true
}

// Save 覆盖写入快照
func (c *SnapshotCache) Save(ctx context.Context, snap types.Snapshot) error {
	snap.Normalize()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化行情快照失败: %w", err)
	}
	if err := c.kv.SetItem(ctx, c.key, string(data)); err != nil {
		return fmt.Errorf("写入行情缓存失败: %w", err)
	}
	return nil
}

// Clear 删除快照
func (c *SnapshotCache) Clear(ctx context.Context) error {
	return c.kv.RemoveItem(ctx, c.key)
}
