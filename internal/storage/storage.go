package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"binance-market-sync/pkg/types"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// KV 异步键值存储，每个键保存一个字符串
type KV interface {
	// GetItem 键不存在时 ok 为 false 且 err 为 nil
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// MemoryKV 纯内存键值存储
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryKV 创建内存存储
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKV) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	return nil
}

func (m *MemoryKV) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// RedisKV 基于Redis的键值存储
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV 包装已有的Redis客户端
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// ConnectRedis 连接Redis并检查连通性
func ConnectRedis(redisConfig types.RedisConfig) (*redis.Client, error) {
	if redisConfig.URL == "" {
		return nil, errors.New("未配置Redis地址")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisConfig.URL,
		Password: redisConfig.Password,
		DB:       redisConfig.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redis连接失败: %w", err)
	}

	zap.L().Info("✅ Redis连接成功", zap.String("addr", redisConfig.URL))
	return client, nil
}

func (r *RedisKV) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisKV) SetItem(ctx context.Context, key, value string) error {
	// 过期由快照的 lastUpdate 判断，这里不设置 TTL
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisKV) RemoveItem(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
